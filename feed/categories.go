package feed

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/aluiziolira/go-easymall/models"
	"github.com/aluiziolira/go-easymall/observe"
)

// CategorySource lists every category.
type CategorySource interface {
	FetchCategories(ctx context.Context) ([]models.Category, error)
}

// Categories backs the filter screen: the category list plus the filter
// draft being edited.
type Categories struct {
	source CategorySource
	logger *slog.Logger

	lifetime context.Context
	shutdown context.CancelFunc
	loads    sync.WaitGroup

	mu   sync.Mutex
	busy bool

	state      *observe.Value[State]
	categories *observe.Value[[]models.Category]
	draft      *observe.Value[models.ProductFilters]
}

// NewCategories starts with the given filters as the draft.
func NewCategories(source CategorySource, filters models.ProductFilters, logger *slog.Logger) *Categories {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Categories{
		source:     source,
		logger:     logger,
		state:      observe.NewValue(State{Phase: PhaseIdle}),
		categories: observe.NewValue[[]models.Category](nil),
		draft:      observe.NewValue(filters.Clone()),
	}
	c.lifetime, c.shutdown = context.WithCancel(context.Background())
	return c
}

// State publishes the fetch lifecycle.
func (c *Categories) State() *observe.Value[State] { return c.state }

// List publishes the loaded categories.
func (c *Categories) List() *observe.Value[[]models.Category] { return c.categories }

// Filters publishes the filter draft.
func (c *Categories) Filters() *observe.Value[models.ProductFilters] { return c.draft }

// Load fetches the categories. It is ignored while a fetch is outstanding.
func (c *Categories) Load(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy || c.lifetime.Err() != nil {
		return
	}
	c.busy = true
	c.state.Set(State{Phase: PhaseLoading})

	fetchCtx, cancel := fetchScope(ctx, c.lifetime)
	c.loads.Add(1)
	go func() {
		defer c.loads.Done()
		defer cancel()

		list, err := c.source.FetchCategories(fetchCtx)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.busy = false

		if err != nil {
			c.logger.Warn("category fetch failed", slog.Any("error", err))
			c.state.Set(errorState(err))
			return
		}
		c.categories.Set(list)
		if len(list) == 0 {
			c.state.Set(State{Phase: PhaseEmpty})
			return
		}
		c.state.Set(State{Phase: PhaseLoaded})
	}()
}

// SetFilters replaces the draft.
func (c *Categories) SetFilters(filters models.ProductFilters) {
	c.draft.Set(filters.Clone())
}

// Wait blocks until an outstanding Load has finished.
func (c *Categories) Wait() {
	c.loads.Wait()
}

// Close cancels any outstanding Load and waits for it.
func (c *Categories) Close() {
	c.shutdown()
	c.loads.Wait()
}
