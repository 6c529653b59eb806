package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vouch-labs/vouch-go/internal/domain"
	"github.com/vouch-labs/vouch-go/internal/storage/objectstore"
)

const (
	mirrorReportContentType = "application/xml"
	mirrorRecordContentType = "application/json"
)

// Mirror replicates archived reports into an S3-compatible bucket so the
// local archive can be rebuilt after host loss. Pushes are idempotent:
// object keys derive from the content hash, re-pushing overwrites with
// identical bytes.
type Mirror struct {
	store  objectstore.Store
	bucket string
}

func NewMirror(store objectstore.Store, bucket string) (*Mirror, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &Mirror{store: store, bucket: bucket}, nil
}

// Push uploads the signed report and its metadata record.
func (m *Mirror) Push(ctx context.Context, record domain.StorageRecord, data []byte) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("mirror push: %w", err)
	}
	key := mirrorReportKey(record.Hash)
	if err := m.store.Put(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)), mirrorReportContentType); err != nil {
		return fmt.Errorf("mirror report %s: %w", record.Hash, err)
	}
	meta, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	metaKey := mirrorRecordKey(record.Hash)
	if err := m.store.Put(ctx, m.bucket, metaKey, bytes.NewReader(meta), int64(len(meta)), mirrorRecordContentType); err != nil {
		return fmt.Errorf("mirror record %s: %w", record.Hash, err)
	}
	return nil
}

// Exists reports whether a report with the given hash is already mirrored.
// Any stat failure counts as not mirrored.
func (m *Mirror) Exists(ctx context.Context, hash domain.ContentHash) bool {
	_, err := m.store.Stat(ctx, m.bucket, mirrorReportKey(hash))
	return err == nil
}

// Fetch retrieves a mirrored report, for rebuilding a lost local archive.
func (m *Mirror) Fetch(ctx context.Context, hash domain.ContentHash) ([]byte, error) {
	body, err := m.store.Get(ctx, m.bucket, mirrorReportKey(hash))
	if err != nil {
		return nil, fmt.Errorf("fetch mirrored report %s: %w", hash, err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read mirrored report %s: %w", hash, err)
	}
	return data, nil
}

func mirrorReportKey(hash domain.ContentHash) string {
	return "reports/" + hash.Hex() + ".xml"
}

func mirrorRecordKey(hash domain.ContentHash) string {
	return "metadata/" + hash.Hex() + ".json"
}
