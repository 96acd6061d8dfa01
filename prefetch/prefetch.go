// Package prefetch warms the image cache with product thumbnails ahead of
// display and optionally records what it fetched.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/go-easymall/imageloader"
	"github.com/aluiziolira/go-easymall/models"
	"github.com/aluiziolira/go-easymall/parser"
)

var (
	// ErrPoolClosed is returned when Process is called after shutdown.
	ErrPoolClosed = errors.New("prefetch: closed")
	// ErrPrefetchCloseTimeout is returned when workers do not drain in time.
	ErrPrefetchCloseTimeout = errors.New("prefetch: close timed out")
)

// drainTimeout bounds how long Close waits for queued products.
var drainTimeout = 30 * time.Second

const (
	DefaultBatchSize = 64
	defaultBuffer    = 512
)

// Record statuses.
const (
	StatusImage       = "image"
	StatusPlaceholder = "placeholder"
	StatusInvalid     = "invalid"
)

// Loader is the part of the image cache the pool drives.
type Loader interface {
	Get(ctx context.Context, rawURL string) (imageloader.Result, error)
}

// OutputWriter receives prefetch records in batches.
type OutputWriter interface {
	Write(records []Record) error
	Close() error
	Validate() error
}

// Record describes one warmed thumbnail.
type Record struct {
	ProductID    int       `json:"product_id"`
	Title        string    `json:"title"`
	Price        int       `json:"price"`
	Category     string    `json:"category"`
	Thumbnail    string    `json:"thumbnail"`
	Status       string    `json:"status"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	PrefetchedAt time.Time `json:"prefetched_at"`
}

// Options tune a Pool. Zero values fall back to the defaults.
type Options struct {
	BatchSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Pool feeds product thumbnails through the image loader on a fixed set of
// workers. A nil writer disables recording.
type Pool struct {
	loader    Loader
	writer    OutputWriter
	productCh chan models.Product
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seen   map[string]struct{}
	seenMu sync.Mutex

	stats stats

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPool builds a pool whose loads are cancelled with ctx.
func NewPool(ctx context.Context, loader Loader, writer OutputWriter, opts Options) *Pool {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	p := &Pool{
		loader:    loader,
		writer:    writer,
		productCh: make(chan models.Product, defaultBuffer),
		batchSize: batchSize,
		logger:    logger,
		now:       now,
		seen:      make(map[string]struct{}),
		stats:     newStats(),
		shutdown:  make(chan struct{}),
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	return p
}

// Start launches worker goroutines.
func (p *Pool) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues products whose thumbnails should be warmed.
func (p *Pool) Process(products ...models.Product) error {
	if len(products) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPoolClosed
	}

	for _, product := range products {
		if err := p.enqueue(product); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting products and waits for queued ones to be warmed.
// When the workers do not finish within the drain timeout, outstanding
// loads are cancelled and ErrPrefetchCloseTimeout is returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.productCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.cancel()
		return ErrPrefetchCloseTimeout
	}

	p.cancel()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stats returns a snapshot of the internal counters.
func (p *Pool) Stats() Stats {
	return p.stats.snapshot()
}

// StartStatsReporting emits periodic progress logs until Close.
func (p *Pool) StartStatsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s := p.Stats()
				p.logger.Info("prefetch progress",
					slog.Int64("warmed", s.Warmed),
					slog.Int64("placeholders", s.Placeholders),
					slog.Int64("invalid", s.Invalid),
					slog.Any("skipped", s.Skipped),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	batch := make([]Record, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 || p.writer == nil {
			batch = batch[:0]
			return nil
		}
		if err := p.writer.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for product := range p.productCh {
		record, ok := p.warm(product)
		if !ok {
			continue
		}
		batch = append(batch, record)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write batch: %w", err))
	}
}

func (p *Pool) warm(product models.Product) (Record, bool) {
	thumbnail := parser.NormalizeImageURL(product.Thumbnail())
	if thumbnail == "" {
		p.stats.addSkip("no_thumbnail")
		return Record{}, false
	}

	p.seenMu.Lock()
	if _, ok := p.seen[thumbnail]; ok {
		p.seenMu.Unlock()
		p.stats.addSkip("duplicate")
		return Record{}, false
	}
	p.seen[thumbnail] = struct{}{}
	p.seenMu.Unlock()

	res, err := p.loader.Get(p.ctx, thumbnail)
	if err != nil {
		p.stats.addSkip("cancelled")
		return Record{}, false
	}

	record := Record{
		ProductID:    product.ID,
		Title:        product.Title,
		Price:        product.Price,
		Category:     product.Category.Name,
		Thumbnail:    thumbnail,
		PrefetchedAt: p.now().UTC(),
	}
	switch {
	case res.Image == nil:
		record.Status = StatusInvalid
		p.stats.incInvalid()
	case res.Placeholder:
		record.Status = StatusPlaceholder
		p.stats.incPlaceholder()
	default:
		record.Status = StatusImage
		bounds := res.Image.Bounds()
		record.Width = bounds.Dx()
		record.Height = bounds.Dy()
		p.stats.incWarmed()
	}
	p.logger.Debug("thumbnail warmed",
		slog.Int("product_id", product.ID),
		slog.String("status", record.Status),
		slog.Bool("cached", res.Cached),
	)
	return record, true
}

func (p *Pool) enqueue(product models.Product) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPoolClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPoolClosed
	case p.productCh <- product:
		return nil
	}
}

func (p *Pool) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.productCh)
	})
}

func (p *Pool) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pool) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

// Stats is a snapshot of pool progress.
type Stats struct {
	Warmed       int64
	Placeholders int64
	Invalid      int64
	Skipped      map[string]int
}

type stats struct {
	mu           sync.Mutex
	warmed       int64
	placeholders int64
	invalid      int64
	skipped      map[string]int
}

func newStats() stats {
	return stats{
		skipped: make(map[string]int),
	}
}

func (s *stats) incWarmed() {
	s.mu.Lock()
	s.warmed++
	s.mu.Unlock()
}

func (s *stats) incPlaceholder() {
	s.mu.Lock()
	s.placeholders++
	s.mu.Unlock()
}

func (s *stats) incInvalid() {
	s.mu.Lock()
	s.invalid++
	s.mu.Unlock()
}

func (s *stats) addSkip(reason string) {
	s.mu.Lock()
	s.skipped[reason]++
	s.mu.Unlock()
}

func (s *stats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	skipped := make(map[string]int, len(s.skipped))
	for k, v := range s.skipped {
		skipped[k] = v
	}
	return Stats{
		Warmed:       s.warmed,
		Placeholders: s.placeholders,
		Invalid:      s.invalid,
		Skipped:      skipped,
	}
}
