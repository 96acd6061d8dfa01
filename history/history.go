// Package history keeps the ranked list of recent product searches.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/go-easymall/models"
	"github.com/aluiziolira/go-easymall/storage"
)

// StorageKey is the key the serialized history is stored under.
const StorageKey = "recentSearches"

const (
	DefaultCapacity  = 5
	DefaultRetention = 7 * 24 * time.Hour
)

// Options tune a Store. Zero values fall back to the defaults.
type Options struct {
	Capacity  int
	Retention time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Store records searches with a non-empty title and serves them ranked by
// usage count, then recency.
type Store struct {
	backend   storage.Store
	capacity  int
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu sync.Mutex
}

// New returns a Store persisting through backend.
func New(backend storage.Store, opts Options) *Store {
	s := &Store{
		backend:   backend,
		capacity:  opts.Capacity,
		retention: opts.Retention,
		now:       opts.Now,
		logger:    opts.Logger,
	}
	if s.capacity <= 0 {
		s.capacity = DefaultCapacity
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s
}

// Add records a use of filters. Filters without a title are ignored.
func (s *Store) Add(ctx context.Context, filters models.ProductFilters) error {
	if !filters.HasTitle() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.load(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	entry := models.SearchQuery{Filters: filters, Timestamp: now, UsageCount: 1}

	found := false
	for i := range history {
		if history[i].Same(entry) {
			history[i].UsageCount++
			history[i].Timestamp = now
			found = true
			break
		}
	}
	if !found {
		history = append([]models.SearchQuery{entry}, history...)
	}

	cutoff := now.Add(-s.retention)
	kept := history[:0]
	for _, q := range history {
		if q.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, q)
	}
	history = kept

	if len(history) > s.capacity {
		s.logger.DebugContext(ctx, "trimming search history",
			slog.Int("count", len(history)),
			slog.Int("capacity", s.capacity),
		)
		history = history[:s.capacity]
	}

	return s.save(ctx, history)
}

// Recent returns the stored searches ranked by usage count, then recency.
func (s *Store) Recent(ctx context.Context) ([]models.SearchQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Clear removes all stored searches.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Delete(ctx, StorageKey); err != nil {
		return fmt.Errorf("clear search history: %w", err)
	}
	return nil
}

// load returns the persisted history ranked. A corrupt payload is logged
// and treated as empty so a bad write cannot wedge the feature.
func (s *Store) load(ctx context.Context) ([]models.SearchQuery, error) {
	data, err := s.backend.Get(ctx, StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load search history: %w", err)
	}

	var history []models.SearchQuery
	if err := json.Unmarshal(data, &history); err != nil {
		s.logger.WarnContext(ctx, "discarding unreadable search history", slog.Any("error", err))
		return nil, nil
	}
	Rank(history)
	return history, nil
}

func (s *Store) save(ctx context.Context, history []models.SearchQuery) error {
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode search history: %w", err)
	}
	if err := s.backend.Set(ctx, StorageKey, data); err != nil {
		return fmt.Errorf("save search history: %w", err)
	}
	return nil
}

// Rank orders queries by usage count descending, breaking ties by the
// most recent timestamp. The sort is stable.
func Rank(queries []models.SearchQuery) {
	sort.SliceStable(queries, func(i, j int) bool {
		if queries[i].UsageCount == queries[j].UsageCount {
			return queries[i].Timestamp.After(queries[j].Timestamp)
		}
		return queries[i].UsageCount > queries[j].UsageCount
	})
}
