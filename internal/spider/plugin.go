package spider

import (
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page is a fetched HTML page handed to plugins.
type Page struct {
	URL    string
	Status int
	Depth  int
	DOM    *goquery.Selection
}

// Entity is one fact a plugin extracted from a page.
type Entity struct {
	Kind   string `json:"kind"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

// Plugin extracts entities from crawled pages. Implementations must be safe
// for concurrent use; the spider calls Extract from colly's fetch goroutines.
type Plugin interface {
	Name() string
	Extract(page Page) ([]Entity, error)
}

var registry = map[string]func() Plugin{
	EntitiesPluginName: func() Plugin { return NewEntityPlugin() },
}

// PluginNames lists the plugins Resolve understands.
func PluginNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve builds the plugin set for names once at start-up. Duplicates are
// collapsed; unknown names are an error.
func Resolve(names []string) ([]Plugin, error) {
	seen := make(map[string]bool, len(names))
	plugins := make([]Plugin, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		build, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q (known: %s)", raw, strings.Join(PluginNames(), ", "))
		}
		seen[name] = true
		plugins = append(plugins, build())
	}
	return plugins, nil
}
