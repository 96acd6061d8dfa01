package imageloader

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"image/png"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disintegration/imaging"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, imaging.New(4, 4, color.NRGBA{R: 255, A: 255})); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func connErr() error {
	return ErrConnection{Err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}
}

type countingFetcher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int32, url string) ([]byte, error)
}

func (f *countingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	n := f.calls.Add(1)
	return f.fn(ctx, n, url)
}

func newTestLoader(t *testing.T, fetcher Fetcher, opts Options) *Loader {
	t.Helper()
	opts.Fetcher = fetcher
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(l.Close)
	return l
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for result")
	}
	return Result{}
}

func TestLoaderCoalescesConcurrentRequests(t *testing.T) {
	body := pngBytes(t)
	release := make(chan struct{})
	fetcher := &countingFetcher{fn: func(ctx context.Context, _ int32, _ string) ([]byte, error) {
		<-release
		return body, nil
	}}
	l := newTestLoader(t, fetcher, Options{})

	const callers = 5
	results := make(chan Result, callers)
	for i := 0; i < callers; i++ {
		l.Load(context.Background(), "https://img.test/a.png", func(r Result) { results <- r })
	}
	close(release)

	for i := 0; i < callers; i++ {
		r := waitResult(t, results)
		if r.Image == nil || r.Placeholder {
			t.Fatalf("caller %d: expected decoded image, got %+v", i, r)
		}
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
	if !l.Cached("https://img.test/a.png") {
		t.Fatalf("expected image to be cached")
	}
}

func TestLoaderNormalizesBracketedURLs(t *testing.T) {
	body := pngBytes(t)
	var seen atomic.Value
	fetcher := &countingFetcher{fn: func(_ context.Context, _ int32, url string) ([]byte, error) {
		seen.Store(url)
		return body, nil
	}}
	l := newTestLoader(t, fetcher, Options{})

	r, err := l.Get(context.Background(), `["https://img.test/b.png"]`)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if r.URL != "https://img.test/b.png" {
		t.Fatalf("expected normalized url, got %q", r.URL)
	}
	if got, _ := seen.Load().(string); got != "https://img.test/b.png" {
		t.Fatalf("fetcher saw %q", got)
	}
	if !l.Cached("https://img.test/b.png") {
		t.Fatalf("expected normalized key in cache")
	}
}

func TestLoaderRetriesTransportFailuresThenGivesUp(t *testing.T) {
	var mu sync.Mutex
	var stamps []time.Time
	fetcher := &countingFetcher{fn: func(context.Context, int32, string) ([]byte, error) {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return nil, connErr()
	}}
	metrics := NewMetrics()
	delay := 30 * time.Millisecond
	l := newTestLoader(t, fetcher, Options{RetryDelay: delay, Metrics: metrics})

	r, err := l.Get(context.Background(), "https://img.test/down.png")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !r.Placeholder || r.Image != Placeholder {
		t.Fatalf("expected placeholder, got %+v", r)
	}
	if got := fetcher.calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < delay {
			t.Fatalf("attempt %d started after %s, want >= %s", i+1, gap, delay)
		}
	}
	if l.Cached("https://img.test/down.png") {
		t.Fatalf("placeholder must not be cached")
	}
	if l.InFlight() != 0 {
		t.Fatalf("expected no in-flight fetches, got %d", l.InFlight())
	}
	if got := l.retry.TotalRetries(); got != 2 {
		t.Fatalf("expected 2 retries, got %d", got)
	}
}

func TestLoaderRetryThenSuccess(t *testing.T) {
	body := pngBytes(t)
	fetcher := &countingFetcher{fn: func(_ context.Context, call int32, _ string) ([]byte, error) {
		if call == 1 {
			return nil, connErr()
		}
		return body, nil
	}}
	l := newTestLoader(t, fetcher, Options{})

	r, err := l.Get(context.Background(), "https://img.test/flaky.png")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if r.Placeholder {
		t.Fatalf("expected real image after retry")
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestLoaderDoesNotRetryServerAnswers(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, int32, string) ([]byte, error)
	}{
		{
			name: "status",
			fn: func(context.Context, int32, string) ([]byte, error) {
				return nil, ErrStatus{StatusCode: 404, Err: errors.New("not found")}
			},
		},
		{
			name: "undecodable",
			fn: func(context.Context, int32, string) ([]byte, error) {
				return []byte("<html>nope</html>"), nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &countingFetcher{fn: tt.fn}
			l := newTestLoader(t, fetcher, Options{})

			r, err := l.Get(context.Background(), "https://img.test/"+tt.name)
			if err != nil {
				t.Fatalf("Get returned error: %v", err)
			}
			if !r.Placeholder {
				t.Fatalf("expected placeholder, got %+v", r)
			}
			if got := fetcher.calls.Load(); got != 1 {
				t.Fatalf("expected 1 attempt, got %d", got)
			}
		})
	}
}

func TestLoaderServesCacheHitsWithoutFetching(t *testing.T) {
	body := pngBytes(t)
	fetcher := &countingFetcher{fn: func(context.Context, int32, string) ([]byte, error) {
		return body, nil
	}}
	l := newTestLoader(t, fetcher, Options{})

	if _, err := l.Get(context.Background(), "https://img.test/c.png"); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	r, err := l.Get(context.Background(), "https://img.test/c.png")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if !r.Cached {
		t.Fatalf("expected cached result")
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
}

func TestLoaderInvalidURLDeliversNil(t *testing.T) {
	fetcher := &countingFetcher{fn: func(context.Context, int32, string) ([]byte, error) {
		return nil, nil
	}}
	l := newTestLoader(t, fetcher, Options{})

	for _, raw := range []string{"", "[]", "not a url", "ftp://img.test/x.png", "https:///nohost"} {
		r, err := l.Get(context.Background(), raw)
		if err != nil {
			t.Fatalf("%q: Get returned error: %v", raw, err)
		}
		if r.Image != nil || r.Placeholder {
			t.Fatalf("%q: expected nil image, got %+v", raw, r)
		}
	}
	if got := fetcher.calls.Load(); got != 0 {
		t.Fatalf("expected no fetches, got %d", got)
	}
}

func TestLoaderCancelIsReferenceCounted(t *testing.T) {
	body := pngBytes(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var aborted atomic.Bool
	fetcher := &countingFetcher{fn: func(ctx context.Context, _ int32, _ string) ([]byte, error) {
		close(started)
		select {
		case <-release:
			return body, nil
		case <-ctx.Done():
			aborted.Store(true)
			return nil, ctx.Err()
		}
	}}
	l := newTestLoader(t, fetcher, Options{})

	first := make(chan Result, 1)
	second := make(chan Result, 1)
	cancelFirst := l.Load(context.Background(), "https://img.test/shared.png", func(r Result) { first <- r })
	l.Load(context.Background(), "https://img.test/shared.png", func(r Result) { second <- r })
	<-started

	cancelFirst()
	if aborted.Load() {
		t.Fatalf("fetch aborted while a caller was still waiting")
	}
	close(release)

	r := waitResult(t, second)
	if r.Placeholder {
		t.Fatalf("expected real image for remaining caller")
	}
	select {
	case <-first:
		t.Fatalf("cancelled caller must not receive a result")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoaderLastCancelAbortsFetch(t *testing.T) {
	aborted := make(chan struct{})
	fetcher := &countingFetcher{fn: func(ctx context.Context, _ int32, _ string) ([]byte, error) {
		<-ctx.Done()
		close(aborted)
		return nil, ctx.Err()
	}}
	l := newTestLoader(t, fetcher, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	delivered := make(chan Result, 1)
	l.Load(ctx, "https://img.test/gone.png", func(r Result) { delivered <- r })
	cancel()

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatalf("fetch was not aborted after the last caller left")
	}
	select {
	case r := <-delivered:
		t.Fatalf("unexpected delivery %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	if l.InFlight() != 0 {
		t.Fatalf("expected in-flight entry to be removed")
	}
}

type heldDispatcher struct {
	mu    sync.Mutex
	queue []func()
}

func (d *heldDispatcher) Dispatch(fn func()) {
	d.mu.Lock()
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
}

func (d *heldDispatcher) drain() int {
	d.mu.Lock()
	q := d.queue
	d.queue = nil
	d.mu.Unlock()
	for _, fn := range q {
		fn()
	}
	return len(q)
}

func TestLoaderNeverDeliversInline(t *testing.T) {
	body := pngBytes(t)
	fetcher := &countingFetcher{fn: func(context.Context, int32, string) ([]byte, error) {
		return body, nil
	}}
	held := &heldDispatcher{}
	l := newTestLoader(t, fetcher, Options{Dispatcher: held})
	l.cache.Add("https://img.test/inline.png", Placeholder)

	called := false
	l.Load(context.Background(), "https://img.test/inline.png", func(Result) { called = true })
	l.Load(context.Background(), "::bad::", func(Result) { called = true })
	if called {
		t.Fatalf("callback ran inline")
	}
	if n := held.drain(); n != 2 {
		t.Fatalf("expected 2 dispatched callbacks, got %d", n)
	}
	if !called {
		t.Fatalf("callback never ran")
	}
}

func TestLoaderCacheIsBounded(t *testing.T) {
	body := pngBytes(t)
	fetcher := &countingFetcher{fn: func(context.Context, int32, string) ([]byte, error) {
		return body, nil
	}}
	l := newTestLoader(t, fetcher, Options{CacheSize: 2})

	for _, u := range []string{"https://img.test/1", "https://img.test/2", "https://img.test/3"} {
		if _, err := l.Get(context.Background(), u); err != nil {
			t.Fatalf("Get %s: %v", u, err)
		}
	}
	if l.Cached("https://img.test/1") {
		t.Fatalf("expected oldest entry to be evicted")
	}
	if !l.Cached("https://img.test/3") {
		t.Fatalf("expected newest entry to be cached")
	}
}

func TestLoaderGetHonoursContext(t *testing.T) {
	fetcher := &countingFetcher{fn: func(ctx context.Context, _ int32, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	l := newTestLoader(t, fetcher, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Get(ctx, "https://img.test/slow.png"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLoaderCloseDropsOutstandingWork(t *testing.T) {
	fetcher := &countingFetcher{fn: func(ctx context.Context, _ int32, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	l, err := New(Options{Fetcher: fetcher})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	delivered := make(chan Result, 1)
	l.Load(context.Background(), "https://img.test/x.png", func(r Result) { delivered <- r })
	l.Close()
	l.Close()

	if l.InFlight() != 0 {
		t.Fatalf("expected no in-flight fetches after Close")
	}
	l.Load(context.Background(), "https://img.test/y.png", func(r Result) { delivered <- r })
	select {
	case r := <-delivered:
		t.Fatalf("unexpected delivery after Close: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoaderJoinsFlightDuringRetryBackoff(t *testing.T) {
	body := pngBytes(t)
	fetcher := &countingFetcher{fn: func(_ context.Context, call int32, _ string) ([]byte, error) {
		if call == 1 {
			return nil, connErr()
		}
		return body, nil
	}}
	l := newTestLoader(t, fetcher, Options{RetryDelay: 200 * time.Millisecond})

	results := make(chan Result, 2)
	l.Load(context.Background(), "https://img.test/backoff.png", func(r Result) { results <- r })

	deadline := time.Now().Add(time.Second)
	for fetcher.calls.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("first attempt never ran")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := l.InFlight(); got != 1 {
		t.Fatalf("expected the flight to wait out its backoff, in flight = %d", got)
	}

	l.Load(context.Background(), "https://img.test/backoff.png", func(r Result) { results <- r })

	for i := 0; i < 2; i++ {
		r := waitResult(t, results)
		if r.Image == nil || r.Placeholder {
			t.Fatalf("caller %d got %+v, want decoded image", i, r)
		}
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestLoaderCloseReleasesBlockedGet(t *testing.T) {
	fetcher := &countingFetcher{fn: func(ctx context.Context, _ int32, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	l, err := New(Options{Fetcher: fetcher})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := l.Get(context.Background(), "https://img.test/hang.png")
		errs <- err
	}()

	deadline := time.Now().Add(time.Second)
	for fetcher.calls.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("fetch never started")
		}
		time.Sleep(time.Millisecond)
	}
	l.Close()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Get after Close = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Get still blocked after Close")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.Get(ctx, "https://img.test/later.png"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get on closed loader = %v, want ErrClosed", err)
	}
}
