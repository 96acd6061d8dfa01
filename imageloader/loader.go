// Package imageloader fetches remote images once per URL, retries
// transport failures, and serves decoded images from a bounded cache.
package imageloader

import (
	"context"
	"image"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-easymall/dispatch"
	"github.com/aluiziolira/go-easymall/parser"
)

const (
	DefaultCacheSize   = 256
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 2 * time.Second
)

// Result is what a caller receives for a load. Image is nil only when the
// URL was malformed; otherwise it is the decoded image or Placeholder.
type Result struct {
	URL         string
	Image       image.Image
	Placeholder bool
	Cached      bool
}

// CancelFunc releases a caller's interest in a load.
type CancelFunc func()

// Options configure a Loader. Zero values fall back to the defaults.
type Options struct {
	Fetcher     Fetcher
	Dispatcher  dispatch.Dispatcher
	CacheSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Loader is the shared image cache. Construct one in the composition root
// and inject it wherever images are needed.
type Loader struct {
	fetcher    Fetcher
	dispatcher dispatch.Dispatcher
	ownQueue   *dispatch.Queue
	cache      *lru.Cache[string, image.Image]
	retry      *retryManager
	metrics    *Metrics
	logger     *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	done       chan struct{}

	// mu guards inflight, nextID and closed, and every cache membership
	// test that decides whether a fetch starts.
	mu       sync.Mutex
	inflight map[string]*flight
	nextID   uint64
	closed   bool
}

type flight struct {
	id      uint64
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters []waiter
}

type waiter struct {
	id   uint64
	fn   func(Result)
	stop func() bool
}

// New builds a Loader. A nil Fetcher is an error in the caller; a nil
// Dispatcher gets a private serial queue that Close shuts down.
func New(opts Options) (*Loader, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, image.Image](size)
	if err != nil {
		return nil, err
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	l := &Loader{
		fetcher:  opts.Fetcher,
		cache:    cache,
		retry:    newRetryManager(maxAttempts, delay, opts.Metrics),
		metrics:  opts.Metrics,
		logger:   logger,
		inflight: make(map[string]*flight),
		done:     make(chan struct{}),
	}
	if opts.Dispatcher != nil {
		l.dispatcher = opts.Dispatcher
	} else {
		l.ownQueue = dispatch.NewQueue()
		l.dispatcher = l.ownQueue
	}
	l.baseCtx, l.baseCancel = context.WithCancel(context.Background())
	return l, nil
}

// Load requests the image at rawURL. fn is always called on the loader's
// dispatcher, never inline, and at most once. Concurrent loads of the same
// URL share one fetch and all receive its result. Cancelling ctx or calling
// the returned func withdraws this caller; the fetch itself is aborted only
// when no interested caller remains. After Close, fn is never called.
func (l *Loader) Load(ctx context.Context, rawURL string, fn func(Result)) CancelFunc {
	key := parser.NormalizeImageURL(rawURL)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return func() {}
	}

	if img, ok := l.cache.Get(key); ok {
		l.mu.Unlock()
		l.metrics.IncRequest("cache_hit")
		l.deliver(fn, Result{URL: key, Image: img, Cached: true})
		return func() {}
	}

	if !validURL(key) {
		l.mu.Unlock()
		l.metrics.IncRequest("invalid_url")
		l.metrics.IncError(errorTypeLabel(ErrInvalidURL))
		l.logger.Debug("invalid image url", slog.String("url", rawURL))
		l.deliver(fn, Result{URL: key})
		return func() {}
	}

	if ctx.Err() != nil {
		l.mu.Unlock()
		return func() {}
	}

	f, joined := l.inflight[key]
	if joined {
		l.metrics.IncRequest("coalesced")
	} else {
		l.nextID++
		fctx, cancel := context.WithCancel(l.baseCtx)
		f = &flight{id: l.nextID, key: key, ctx: fctx, cancel: cancel}
		l.inflight[key] = f
		l.metrics.IncRequest("started")
		l.metrics.AddInFlight(1)
	}

	l.nextID++
	w := waiter{id: l.nextID, fn: fn}
	var once sync.Once
	release := func() {
		once.Do(func() { l.release(f, w.id) })
	}
	w.stop = context.AfterFunc(ctx, release)
	f.waiters = append(f.waiters, w)
	l.mu.Unlock()

	if !joined {
		go l.attempt(f)
	}

	return func() {
		w.stop()
		release()
	}
}

// Get blocks until the image for rawURL is available, ctx is done or the
// loader is closed, in which case it returns ErrClosed.
func (l *Loader) Get(ctx context.Context, rawURL string) (Result, error) {
	ch := make(chan Result, 1)
	cancel := l.Load(ctx, rawURL, func(r Result) { ch <- r })
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		cancel()
		return Result{}, ctx.Err()
	case <-l.done:
		cancel()
		return Result{}, ErrClosed
	}
}

// Cached reports whether a decoded image for rawURL is in the cache.
func (l *Loader) Cached(rawURL string) bool {
	key := parser.NormalizeImageURL(rawURL)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Contains(key)
}

// InFlight returns the number of URLs currently being fetched.
func (l *Loader) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

// Close aborts outstanding fetches and stops delivering results. Blocked
// Get calls return ErrClosed.
func (l *Loader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	for key, f := range l.inflight {
		for _, w := range f.waiters {
			w.stop()
		}
		f.waiters = nil
		f.cancel()
		delete(l.inflight, key)
		l.metrics.AddInFlight(-1)
	}
	l.mu.Unlock()

	l.retry.Stop()
	l.baseCancel()
	if l.ownQueue != nil {
		l.ownQueue.Close()
	}
}

func (l *Loader) attempt(f *flight) {
	if f.ctx.Err() != nil {
		return
	}

	start := time.Now()
	data, err := l.fetcher.Fetch(f.ctx, f.key)
	l.metrics.ObserveFetch(time.Since(start))

	if f.ctx.Err() != nil {
		return
	}

	if err != nil {
		category := errorTypeLabel(err)
		l.metrics.IncError(category)
		if isTransportFailure(err) && l.retry.Schedule(f.id, func() { l.attempt(f) }) {
			l.logger.Debug("image fetch failed, retry scheduled",
				slog.String("url", f.key),
				slog.String("category", category),
				slog.Int("retry", l.retry.Attempts(f.id)),
				slog.Any("error", err),
			)
			return
		}
		l.logger.Warn("image fetch failed",
			slog.String("url", f.key),
			slog.String("category", category),
			slog.Any("error", err),
		)
	}

	l.complete(f, data, err)
}

func (l *Loader) complete(f *flight, data []byte, fetchErr error) {
	res := Result{URL: f.key}
	if fetchErr == nil {
		img, err := decodeImage(data)
		if err != nil {
			l.metrics.IncError(errorTypeLabel(err))
			l.logger.Debug("image decode failed", slog.String("url", f.key), slog.Any("error", err))
		} else {
			res.Image = img
		}
	}
	if res.Image == nil {
		res.Image = Placeholder
		res.Placeholder = true
	}

	l.mu.Lock()
	if l.inflight[f.key] != f {
		l.mu.Unlock()
		return
	}
	if !res.Placeholder {
		l.cache.Add(f.key, res.Image)
	}
	delete(l.inflight, f.key)
	waiters := f.waiters
	f.waiters = nil
	l.mu.Unlock()

	l.metrics.AddInFlight(-1)
	l.retry.Forget(f.id)
	f.cancel()

	for _, w := range waiters {
		w.stop()
		l.deliver(w.fn, res)
	}
}

// release drops one waiter. The last waiter out aborts the fetch.
func (l *Loader) release(f *flight, waiterID uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, w := range f.waiters {
		if w.id == waiterID {
			f.waiters = append(f.waiters[:i], f.waiters[i+1:]...)
			l.metrics.IncRequest("cancelled")
			break
		}
	}
	if len(f.waiters) > 0 || l.inflight[f.key] != f {
		return
	}

	delete(l.inflight, f.key)
	l.metrics.AddInFlight(-1)
	l.retry.Forget(f.id)
	f.cancel()
	l.logger.Debug("image fetch abandoned", slog.String("url", f.key))
}

func (l *Loader) deliver(fn func(Result), res Result) {
	if fn == nil {
		return
	}
	switch {
	case res.Image == nil:
		l.metrics.IncDelivery("none")
	case res.Placeholder:
		l.metrics.IncDelivery("placeholder")
	default:
		l.metrics.IncDelivery("image")
	}
	l.dispatcher.Dispatch(func() { fn(res) })
}

func validURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
