package spider

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// EntitiesPluginName is the config name of the entity extraction plugin.
const EntitiesPluginName = "entities"

// Entity kinds produced by EntityPlugin.
const (
	KindEmail      = "email"
	KindPhone      = "phone"
	KindHeading    = "heading"
	KindSchemaType = "schema_type"
)

const minTextPhoneDigits = 9

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
)

// EntityPlugin pulls contact details, headings and schema.org types out of a page.
type EntityPlugin struct{}

// NewEntityPlugin returns the entity extraction plugin.
func NewEntityPlugin() *EntityPlugin {
	return &EntityPlugin{}
}

// Name implements Plugin.
func (*EntityPlugin) Name() string { return EntitiesPluginName }

// Extract implements Plugin.
func (*EntityPlugin) Extract(page Page) ([]Entity, error) {
	if page.DOM == nil {
		return nil, nil
	}
	c := collector{source: page.URL, seen: make(map[string]bool)}

	page.DOM.Find(`a[href^="mailto:"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		addr := strings.TrimPrefix(href, "mailto:")
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		if decoded, err := url.PathUnescape(addr); err == nil {
			addr = decoded
		}
		c.add(KindEmail, strings.ToLower(addr))
	})
	page.DOM.Find(`a[href^="tel:"]`).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		c.add(KindPhone, normalizePhone(strings.TrimPrefix(href, "tel:")))
	})

	text := page.DOM.Find("body").Text()
	for _, m := range emailPattern.FindAllString(text, -1) {
		c.add(KindEmail, strings.ToLower(m))
	}
	for _, m := range phonePattern.FindAllString(text, -1) {
		// Free text is full of dates and order numbers; only long runs count.
		if phone := normalizePhone(m); len(strings.TrimPrefix(phone, "+")) >= minTextPhoneDigits {
			c.add(KindPhone, phone)
		}
	}

	page.DOM.Find("h1, h2").Each(func(_ int, s *goquery.Selection) {
		c.add(KindHeading, strings.Join(strings.Fields(s.Text()), " "))
	})

	page.DOM.Find("[itemtype]").Each(func(_ int, s *goquery.Selection) {
		itemtype, _ := s.Attr("itemtype")
		for _, t := range strings.Fields(itemtype) {
			c.add(KindSchemaType, schemaTypeName(t))
		}
	})
	page.DOM.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		for _, t := range jsonLDTypes(s.Text()) {
			c.add(KindSchemaType, t)
		}
	})

	return c.entities, nil
}

type collector struct {
	source   string
	seen     map[string]bool
	entities []Entity
}

func (c *collector) add(kind, value string) {
	if value == "" {
		return
	}
	key := kind + "\x00" + value
	if c.seen[key] {
		return
	}
	c.seen[key] = true
	c.entities = append(c.entities, Entity{Kind: kind, Value: value, Source: c.source})
}

func normalizePhone(raw string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	if digits := strings.TrimPrefix(b.String(), "+"); len(digits) < 7 {
		return ""
	}
	return b.String()
}

func schemaTypeName(itemtype string) string {
	itemtype = strings.TrimRight(itemtype, "/")
	if i := strings.LastIndexByte(itemtype, '/'); i >= 0 {
		return itemtype[i+1:]
	}
	return itemtype
}

// jsonLDTypes returns every @type in a JSON-LD block, including nested
// objects and @graph members. Malformed blocks yield nothing.
func jsonLDTypes(raw string) []string {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch node := v.(type) {
		case map[string]any:
			switch t := node["@type"].(type) {
			case string:
				out = append(out, t)
			case []any:
				for _, item := range t {
					if s, ok := item.(string); ok {
						out = append(out, s)
					}
				}
			}
			for key, child := range node {
				if key != "@type" {
					walk(child)
				}
			}
		case []any:
			for _, child := range node {
				walk(child)
			}
		}
	}
	walk(doc)
	return out
}
