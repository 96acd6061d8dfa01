package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aluiziolira/go-easymall/models"
	"github.com/aluiziolira/go-easymall/observe"
)

// DefaultPageSize is the number of products requested per page.
const DefaultPageSize = 10

// ProductSource lists products a page at a time.
type ProductSource interface {
	FetchPage(ctx context.Context, offset, limit int, filters models.ProductFilters) (models.Page, error)
}

// SearchHistory records searches and returns them ranked.
type SearchHistory interface {
	Add(ctx context.Context, filters models.ProductFilters) error
	Recent(ctx context.Context) ([]models.SearchQuery, error)
}

// Options tune a Controller.
type Options struct {
	PageSize int
	Logger   *slog.Logger
}

// Controller is the paginated product list. It allows one fetch at a time;
// a page that arrives after the filters changed is discarded.
type Controller struct {
	source   ProductSource
	history  SearchHistory
	pageSize int
	logger   *slog.Logger

	lifetime context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu          sync.Mutex
	filters     models.ProductFilters
	offset      int
	hasMore     bool
	busy        bool
	generation  uint64
	cancelFetch context.CancelFunc
	ranked      []models.SearchQuery
	loaded      bool
	closed      bool

	state    *observe.Value[State]
	products *observe.Value[[]models.Product]
	active   *observe.Value[models.ProductFilters]
	recent   *observe.Value[[]models.SearchQuery]
}

// NewController returns an idle controller with empty filters. history may
// be nil, in which case searches are not recorded.
func NewController(source ProductSource, history SearchHistory, opts Options) *Controller {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Controller{
		source:   source,
		history:  history,
		pageSize: pageSize,
		logger:   logger,
		hasMore:  true,
		state:    observe.NewValue(State{Phase: PhaseIdle}),
		products: observe.NewValue[[]models.Product](nil),
		active:   observe.NewValue(models.ProductFilters{}),
		recent:   observe.NewValue[[]models.SearchQuery](nil),
	}
	c.lifetime, c.shutdown = context.WithCancel(context.Background())
	return c
}

// State publishes the fetch lifecycle.
func (c *Controller) State() *observe.Value[State] { return c.state }

// Products publishes the accumulated product list.
func (c *Controller) Products() *observe.Value[[]models.Product] { return c.products }

// Filters publishes the active filters.
func (c *Controller) Filters() *observe.Value[models.ProductFilters] { return c.active }

// RecentSearches publishes the ranked history, or the subset matching the
// last FilterSuggestions text.
func (c *Controller) RecentSearches() *observe.Value[[]models.SearchQuery] { return c.recent }

// HasMorePages reports whether the catalogue returned a full page last time,
// counting rows that were dropped as invalid.
func (c *Controller) HasMorePages() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// Offset returns the offset of the most recently requested page.
func (c *Controller) Offset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// GetProducts fetches the page at the current offset. It returns at once;
// results are published on State and Products. ctx bounds the fetch. The
// call is ignored while another fetch is outstanding or after the last page.
func (c *Controller) GetProducts(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startLocked(ctx)
}

// LoadMoreProducts advances to the next page and fetches it. It is ignored
// while a fetch is outstanding or when there are no more pages.
func (c *Controller) LoadMoreProducts(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.busy || !c.hasMore {
		return
	}
	c.offset += c.pageSize
	c.startLocked(ctx)
}

// SetSearchFilters applies filters chosen on the filter screen.
func (c *Controller) SetSearchFilters(ctx context.Context, filters models.ProductFilters) {
	c.SetSearchQuery(ctx, filters)
}

// SetSearchQuery makes filters active. Equal filters are a no-op. Otherwise
// pagination restarts from the first page, any outstanding fetch is
// cancelled and the search is recorded.
func (c *Controller) SetSearchQuery(ctx context.Context, filters models.ProductFilters) {
	c.mu.Lock()
	if c.closed || filters.Equal(c.filters) {
		c.mu.Unlock()
		return
	}
	filters = filters.Clone()
	c.filters = filters
	c.active.Set(filters)

	c.generation++
	if c.cancelFetch != nil {
		c.cancelFetch()
		c.cancelFetch = nil
	}
	c.busy = false
	c.offset = 0
	c.hasMore = true
	c.products.Set(nil)

	c.startLocked(ctx)
	c.mu.Unlock()

	if c.history == nil {
		return
	}
	if err := c.history.Add(ctx, filters); err != nil {
		c.logger.WarnContext(ctx, "failed to record search", slog.Any("error", err))
	}
	if err := c.RefreshRecentSearches(ctx); err != nil {
		c.logger.WarnContext(ctx, "failed to load recent searches", slog.Any("error", err))
	}
}

// RefreshRecentSearches reloads the ranked history and publishes it.
func (c *Controller) RefreshRecentSearches(ctx context.Context) error {
	if c.history == nil {
		return nil
	}
	ranked, err := c.history.Recent(ctx)
	if err != nil {
		return fmt.Errorf("load recent searches: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ranked = ranked
	c.loaded = true
	c.recent.Set(ranked)
	return nil
}

// FilterSuggestions publishes the recent searches whose title contains
// text, ignoring case, in ranked order. Empty text publishes them all.
// The persisted history is read on every call; if that fails the last
// loaded ranking is used.
func (c *Controller) FilterSuggestions(ctx context.Context, text string) {
	var ranked []models.SearchQuery
	fresh := false
	if c.history != nil {
		var err error
		if ranked, err = c.history.Recent(ctx); err != nil {
			c.logger.WarnContext(ctx, "failed to load recent searches", slog.Any("error", err))
		} else {
			fresh = true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if fresh {
		c.ranked = ranked
	}
	c.loaded = true

	if text == "" {
		c.recent.Set(c.ranked)
		return
	}
	var matches []models.SearchQuery
	for _, q := range c.ranked {
		if q.Filters.MatchesTitle(text) {
			matches = append(matches, q)
		}
	}
	c.recent.Set(matches)
}

// DidSelectSearchQuery re-applies the published recent search at index.
// Before anything has been published it loads the persisted history first.
func (c *Controller) DidSelectSearchQuery(ctx context.Context, index int) error {
	c.mu.Lock()
	loaded := c.loaded
	c.mu.Unlock()
	if !loaded {
		if err := c.RefreshRecentSearches(ctx); err != nil {
			return err
		}
	}

	shown := c.recent.Get()
	if index < 0 || index >= len(shown) {
		return fmt.Errorf("%w %d", ErrNoSuchSearch, index)
	}
	c.SetSearchQuery(ctx, shown[index].Filters)
	return nil
}

// Wait blocks until every started fetch has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels any outstanding fetch and waits for it to return.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	if c.cancelFetch != nil {
		c.cancelFetch()
		c.cancelFetch = nil
	}
	c.mu.Unlock()

	c.shutdown()
	c.wg.Wait()
}

func (c *Controller) startLocked(ctx context.Context) {
	if c.closed || c.busy || !c.hasMore {
		return
	}

	phase := PhaseLoading
	if c.offset > 0 {
		phase = PhaseLoadingMore
	}
	c.busy = true
	c.state.Set(State{Phase: phase})

	fetchCtx, cancel := fetchScope(ctx, c.lifetime)
	c.cancelFetch = cancel

	c.wg.Add(1)
	go c.fetch(fetchCtx, cancel, c.generation, c.offset, c.filters)
}

func (c *Controller) fetch(ctx context.Context, cancel context.CancelFunc, generation uint64, offset int, filters models.ProductFilters) {
	defer c.wg.Done()
	defer cancel()

	page, err := c.source.FetchPage(ctx, offset, c.pageSize, filters)

	c.mu.Lock()
	defer c.mu.Unlock()

	if generation != c.generation {
		c.logger.Debug("discarding stale page",
			slog.Int("offset", offset),
			slog.String("title", filters.TitleValue()),
		)
		return
	}
	c.busy = false
	c.cancelFetch = nil

	if err != nil {
		c.logger.Warn("product fetch failed",
			slog.Int("offset", offset),
			slog.Any("error", err),
		)
		c.state.Set(errorState(err))
		return
	}

	var merged []models.Product
	if offset == 0 {
		merged = append(merged, page.Products...)
	} else {
		prev := c.products.Get()
		merged = make([]models.Product, 0, len(prev)+len(page.Products))
		merged = append(merged, prev...)
		merged = append(merged, page.Products...)
	}
	c.hasMore = page.Fetched == c.pageSize
	c.products.Set(merged)

	if len(merged) == 0 {
		c.state.Set(State{Phase: PhaseEmpty})
	} else {
		c.state.Set(State{Phase: PhaseLoaded})
	}
	c.logger.Debug("page loaded",
		slog.Int("offset", offset),
		slog.Int("count", len(page.Products)),
		slog.Int("fetched", page.Fetched),
		slog.Int("total", len(merged)),
		slog.Bool("has_more", c.hasMore),
	)
}
