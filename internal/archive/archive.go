// Package archive is a content-addressed filesystem store for signed test
// reports, plus the durable queue used for deferred delivery. The content
// hash is both primary key and filename, so identical content is stored
// exactly once and retrieval is integrity-checkable.
package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vouch-labs/vouch-go/internal/canonical"
	"github.com/vouch-labs/vouch-go/internal/domain"
)

// ErrNotFound is returned when no report is stored under a hash.
var ErrNotFound = errors.New("report not found")

const (
	reportsDir  = "reports"
	metadataDir = "metadata"
	queueDir    = "queue"

	reportExt = ".xml"
	recordExt = ".json"
)

// Archive stores signed reports under an explicit root directory:
//
//	<root>/reports/<hash>.xml
//	<root>/metadata/<hash>.json
//	<root>/queue/<hash>.json
//
// All writes are temp-file plus rename, so a crash mid-write never exposes a
// partial artifact under its final name. The archive never retries: storage
// failures are surfaced to the caller.
type Archive struct {
	root string
	now  func() time.Time
}

// New initializes the directory layout under root. Initialization is
// idempotent and safe under concurrent creation by multiple processes.
func New(root string) (*Archive, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, errors.New("archive root is required")
	}
	for _, dir := range []string{root, filepath.Join(root, reportsDir), filepath.Join(root, metadataDir), filepath.Join(root, queueDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("init archive dir %s: %w", dir, err)
		}
	}
	return &Archive{root: root, now: time.Now}, nil
}

// Root returns the archive root path.
func (a *Archive) Root() string { return a.root }

func (a *Archive) reportPath(hash domain.ContentHash) string {
	return filepath.Join(a.root, reportsDir, hash.Hex()+reportExt)
}

func (a *Archive) recordPath(hash domain.ContentHash) string {
	return filepath.Join(a.root, metadataDir, hash.Hex()+recordExt)
}

// Put stores a signed report under its content hash. A put on an existing
// hash is a no-op returning the existing record; this is the deduplication
// mechanism, and it makes concurrent puts of identical content safe by
// construction.
func (a *Archive) Put(hash domain.ContentHash, doc []byte, prov *domain.Provenance) (domain.StorageRecord, error) {
	if err := hash.Validate(); err != nil {
		return domain.StorageRecord{}, err
	}
	if len(doc) == 0 {
		return domain.StorageRecord{}, errors.New("document is empty")
	}

	if existing, err := a.GetRecord(hash); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return domain.StorageRecord{}, err
	}

	path := a.reportPath(hash)
	if err := writeFileAtomic(path, doc); err != nil {
		return domain.StorageRecord{}, fmt.Errorf("store report %s: %w", hash, err)
	}

	record := domain.StorageRecord{
		Hash:       hash,
		Path:       path,
		SizeBytes:  int64(len(doc)),
		Signed:     bytes.Contains(doc, []byte(canonical.XMLDSigNamespace)),
		CreatedAt:  a.now().UTC(),
		Provenance: prov,
	}
	if err := a.writeRecord(record); err != nil {
		return domain.StorageRecord{}, err
	}
	return record, nil
}

// Get loads a stored report.
func (a *Archive) Get(hash domain.ContentHash) ([]byte, error) {
	if err := hash.Validate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(a.reportPath(hash))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("read report %s: %w", hash, err)
	}
	return data, nil
}

// GetRecord loads the storage record for a hash. A report file with a
// missing metadata sidecar (crash between the two writes) is repaired from
// the file itself.
func (a *Archive) GetRecord(hash domain.ContentHash) (domain.StorageRecord, error) {
	if err := hash.Validate(); err != nil {
		return domain.StorageRecord{}, err
	}
	data, err := os.ReadFile(a.recordPath(hash))
	if err == nil {
		var record domain.StorageRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return domain.StorageRecord{}, fmt.Errorf("decode record %s: %w", hash, err)
		}
		return record, nil
	}
	if !os.IsNotExist(err) {
		return domain.StorageRecord{}, fmt.Errorf("read record %s: %w", hash, err)
	}

	info, statErr := os.Stat(a.reportPath(hash))
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return domain.StorageRecord{}, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return domain.StorageRecord{}, fmt.Errorf("stat report %s: %w", hash, statErr)
	}
	doc, readErr := os.ReadFile(a.reportPath(hash))
	if readErr != nil {
		return domain.StorageRecord{}, fmt.Errorf("read report %s: %w", hash, readErr)
	}
	record := domain.StorageRecord{
		Hash:      hash,
		Path:      a.reportPath(hash),
		SizeBytes: info.Size(),
		Signed:    bytes.Contains(doc, []byte(canonical.XMLDSigNamespace)),
		CreatedAt: info.ModTime().UTC(),
	}
	if err := a.writeRecord(record); err != nil {
		return domain.StorageRecord{}, err
	}
	return record, nil
}

// Exists reports whether a report is stored under the hash.
func (a *Archive) Exists(hash domain.ContentHash) bool {
	if hash.Validate() != nil {
		return false
	}
	_, err := os.Stat(a.reportPath(hash))
	return err == nil
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	SignedOnly bool
	Since      time.Time
}

// List returns storage records matching the filter, in directory order.
func (a *Archive) List(filter Filter) ([]domain.StorageRecord, error) {
	entries, err := os.ReadDir(filepath.Join(a.root, reportsDir))
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	var records []domain.StorageRecord
	for _, entry := range entries {
		hash, ok := hashFromFilename(entry.Name(), reportExt)
		if !ok {
			continue
		}
		record, err := a.GetRecord(hash)
		if err != nil {
			return nil, err
		}
		if filter.SignedOnly && !record.Signed {
			continue
		}
		if !filter.Since.IsZero() && record.CreatedAt.Before(filter.Since) {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Criteria selects records for removal. At least one field must be set.
type Criteria struct {
	Hashes    []domain.ContentHash
	OlderThan time.Time
}

func (c Criteria) matches(record domain.StorageRecord) bool {
	if len(c.Hashes) > 0 {
		found := false
		for _, h := range c.Hashes {
			if h == record.Hash {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !c.OlderThan.IsZero() && !record.CreatedAt.Before(c.OlderThan) {
		return false
	}
	return true
}

// Remove deletes stored reports matching the criteria and returns how many
// were removed. Queue entries for removed reports are purged with them.
func (a *Archive) Remove(criteria Criteria) (int, error) {
	if len(criteria.Hashes) == 0 && criteria.OlderThan.IsZero() {
		return 0, errors.New("removal criteria are required")
	}
	records, err := a.List(Filter{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, record := range records {
		if !criteria.matches(record) {
			continue
		}
		if err := os.Remove(a.reportPath(record.Hash)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove report %s: %w", record.Hash, err)
		}
		if err := os.Remove(a.recordPath(record.Hash)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove record %s: %w", record.Hash, err)
		}
		_ = os.Remove(a.queuePath(record.Hash))
		removed++
	}
	return removed, nil
}

// Stats summarizes archive contents.
type Stats struct {
	Reports    int
	Signed     int
	Queued     int
	TotalBytes int64
}

func (a *Archive) Stats() (Stats, error) {
	records, err := a.List(Filter{})
	if err != nil {
		return Stats{}, err
	}
	var stats Stats
	for _, record := range records {
		stats.Reports++
		stats.TotalBytes += record.SizeBytes
		if record.Signed {
			stats.Signed++
		}
	}
	queued, err := a.ListQueue()
	if err != nil {
		return Stats{}, err
	}
	stats.Queued = len(queued)
	return stats, nil
}

func (a *Archive) writeRecord(record domain.StorageRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record %s: %w", record.Hash, err)
	}
	if err := writeFileAtomic(a.recordPath(record.Hash), data); err != nil {
		return fmt.Errorf("store record %s: %w", record.Hash, err)
	}
	return nil
}

// writeFileAtomic writes to a temp file in the destination directory and
// renames it into place, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func hashFromFilename(name, ext string) (domain.ContentHash, bool) {
	if !strings.HasSuffix(name, ext) || strings.HasPrefix(name, ".") {
		return "", false
	}
	stem := strings.TrimSuffix(name, ext)
	hash, err := domain.ParseContentHash("sha256:" + stem)
	if err != nil {
		return "", false
	}
	return hash, true
}
