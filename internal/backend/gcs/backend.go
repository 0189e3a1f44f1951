// Package gcs provides a result backend that keeps one JSON object per job in
// a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/crawltask/internal/crawler"
)

// Config captures the bucket and object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// Backend writes records to a configured GCS bucket.
type Backend struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed result backend.
func New(client *storage.Client, cfg Config) (*Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Backend{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName returns the object path holding jobID's record.
func (b *Backend) ObjectName(jobID string) string {
	if b.prefix == "" {
		return jobID + ".json"
	}
	return path.Join(b.prefix, jobID+".json")
}

// StoreResult overwrites the job's object with record. Terminal objects are
// kept: the write is skipped when the stored record already finished.
func (b *Backend) StoreResult(ctx context.Context, record crawler.Record) error {
	if record.JobID == "" {
		return fmt.Errorf("record job id is required")
	}
	if !record.State.Terminal() {
		existing, err := b.GetResult(ctx, record.JobID)
		switch {
		case err == nil && existing.State.Terminal():
			return nil
		case err != nil && !errors.Is(err, crawler.ErrNotFound):
			return err
		}
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	writer := b.client.Bucket(b.bucket).Object(b.ObjectName(record.JobID)).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// GetResult reads and decodes the job's object.
func (b *Backend) GetResult(ctx context.Context, jobID string) (crawler.Record, error) {
	reader, err := b.client.Bucket(b.bucket).Object(b.ObjectName(jobID)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return crawler.Record{}, crawler.ErrNotFound
		}
		return crawler.Record{}, fmt.Errorf("open object: %w", err)
	}
	defer reader.Close() //nolint:errcheck // read-only handle

	var rec crawler.Record
	if err := json.NewDecoder(reader).Decode(&rec); err != nil {
		return crawler.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}
