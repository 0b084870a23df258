package planboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/gridflex/protocol"
)

// ArchiveBucket is the KV bucket name for the document archive.
const ArchiveBucket = "FLEX_DOCUMENTS"

// archiveTTL bounds how long archived documents are retained.
const archiveTTL = 90 * 24 * time.Hour

// Archive persists planboard documents to a JetStream KV bucket so a
// restarted coordinator can answer settlement disputes about past periods.
// Writes go through a buffered channel and a single writer goroutine; the
// planboard's hot path never waits on storage.
type Archive struct {
	bucket jetstream.KeyValue
	logger *slog.Logger

	writes chan protocol.Document
	done   chan struct{}
}

// NewArchive creates the archive bucket if needed and returns an archive
// ready to Start.
func NewArchive(nc *natsclient.Client, logger *slog.Logger) (*Archive, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	bucket, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:      ArchiveBucket,
		Description: "Flex trading document archive",
		TTL:         archiveTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &Archive{
		bucket: bucket,
		logger: logger,
		writes: make(chan protocol.Document, 256),
		done:   make(chan struct{}),
	}, nil
}

// Start runs the writer goroutine until ctx is cancelled.
func (a *Archive) Start(ctx context.Context) {
	go func() {
		defer close(a.done)
		for {
			select {
			case <-ctx.Done():
				return
			case doc := <-a.writes:
				if err := a.put(ctx, &doc); err != nil {
					a.logger.Warn("archive write failed",
						"document_id", doc.ID,
						"type", doc.Type,
						"error", err)
				}
			}
		}
	}()
}

// Wait blocks until the writer goroutine has stopped.
func (a *Archive) Wait() {
	<-a.done
}

// Store queues a document snapshot for archiving. A full queue drops the
// write rather than stall trading; the next mutation of the same document
// re-snapshots it.
func (a *Archive) Store(doc *protocol.Document) {
	select {
	case a.writes <- *doc:
	default:
		a.logger.Warn("archive queue full, dropping snapshot", "document_id", doc.ID)
	}
}

func (a *Archive) put(ctx context.Context, doc *protocol.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if _, err := a.bucket.Put(ctx, archiveKey(doc), data); err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

// Get retrieves an archived document.
func (a *Archive) Get(ctx context.Context, group string, period protocol.Period, id string) (*protocol.Document, error) {
	entry, err := a.bucket.Get(ctx, archiveKey(&protocol.Document{ID: id, ConnectionGroup: group, Period: period}))
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	var doc protocol.Document
	if err := json.Unmarshal(entry.Value(), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return &doc, nil
}

// ListPeriod retrieves every archived document for a period.
func (a *Archive) ListPeriod(ctx context.Context, period protocol.Period) ([]*protocol.Document, error) {
	keys, err := a.bucket.Keys(ctx)
	if err != nil {
		// Empty bucket returns ErrNoKeysFound - this is not an error
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}

	marker := "." + period.String() + "."
	var docs []*protocol.Document
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if !strings.Contains(key, marker) {
			continue
		}
		entry, err := a.bucket.Get(ctx, key)
		if err != nil {
			continue // Skip errors for individual keys
		}
		var doc protocol.Document
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			continue
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

// archiveKey builds the KV key: group token, period, document ID. Dots in
// the group would collide with the key separators.
func archiveKey(doc *protocol.Document) string {
	group := strings.ReplaceAll(doc.ConnectionGroup, ".", "-")
	return group + "." + doc.Period.String() + "." + doc.ID
}
