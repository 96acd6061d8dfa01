package prefetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/go-easymall/storage"
)

// ManifestKey is the default storage key of the thumbnail manifest.
const ManifestKey = "thumbnails.json"

// Manifest is the persisted outcome of prefetching, one record per
// thumbnail URL.
type Manifest struct {
	UpdatedAt time.Time `json:"updated_at"`
	Records   []Record  `json:"records"`
}

// LoadManifest reads the manifest stored under key. A missing key yields an
// empty manifest.
func LoadManifest(ctx context.Context, backend storage.Store, key string) (Manifest, error) {
	data, err := backend.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Manifest{}, nil
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("load manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// ManifestWriter merges batches into the manifest held in a storage.Store.
// A thumbnail seen again replaces its earlier record, so repeated runs keep
// one entry per URL.
type ManifestWriter struct {
	ctx     context.Context
	backend storage.Store
	key     string
	now     func() time.Time

	mu      sync.Mutex
	records map[string]Record
	dirty   bool
}

// NewManifestWriter loads the manifest under key and returns a writer that
// extends it. An empty key selects ManifestKey. Saves outlive cancellation
// of ctx so an interrupted run still records what it warmed.
func NewManifestWriter(ctx context.Context, backend storage.Store, key string, now func() time.Time) (*ManifestWriter, error) {
	if key == "" {
		key = ManifestKey
	}
	if now == nil {
		now = time.Now
	}

	existing, err := LoadManifest(ctx, backend, key)
	if err != nil {
		return nil, err
	}
	records := make(map[string]Record, len(existing.Records))
	for _, r := range existing.Records {
		records[r.Thumbnail] = r
	}

	return &ManifestWriter{
		ctx:     context.WithoutCancel(ctx),
		backend: backend,
		key:     key,
		now:     now,
		records: records,
	}, nil
}

// Write merges records and saves the manifest.
func (mw *ManifestWriter) Write(records []Record) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	for _, r := range records {
		mw.records[r.Thumbnail] = r
	}
	mw.dirty = true
	return mw.saveLocked()
}

// Close saves anything a failed Write left behind.
func (mw *ManifestWriter) Close() error {
	mw.mu.Lock()
	defer mw.mu.Unlock()

	if !mw.dirty {
		return nil
	}
	return mw.saveLocked()
}

// Validate reads the manifest back and fails if it holds no records.
func (mw *ManifestWriter) Validate() error {
	m, err := LoadManifest(mw.ctx, mw.backend, mw.key)
	if err != nil {
		return err
	}
	if len(m.Records) == 0 {
		return fmt.Errorf("manifest %q is empty", mw.key)
	}
	return nil
}

// Len returns the number of thumbnails in the manifest.
func (mw *ManifestWriter) Len() int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return len(mw.records)
}

func (mw *ManifestWriter) saveLocked() error {
	m := Manifest{
		UpdatedAt: mw.now().UTC(),
		Records:   make([]Record, 0, len(mw.records)),
	}
	for _, r := range mw.records {
		m.Records = append(m.Records, r)
	}
	sort.Slice(m.Records, func(i, j int) bool {
		if m.Records[i].ProductID == m.Records[j].ProductID {
			return m.Records[i].Thumbnail < m.Records[j].Thumbnail
		}
		return m.Records[i].ProductID < m.Records[j].ProductID
	})

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := mw.backend.Set(mw.ctx, mw.key, data); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	mw.dirty = false
	return nil
}
