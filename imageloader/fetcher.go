package imageloader

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
)

// Fetcher retrieves the raw bytes behind an image URL. It performs no
// retries or caching of its own.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

// CollectorFetcher fetches images through a colly collector.
type CollectorFetcher struct {
	mu        sync.Mutex
	collector *colly.Collector
}

// NewCollectorFetcher builds a fetcher with its own connection pool.
func NewCollectorFetcher(userAgent string, timeout time.Duration) *CollectorFetcher {
	collector := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(timeout)
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	return &CollectorFetcher{collector: collector}
}

// WithTransport swaps the underlying round tripper.
func (f *CollectorFetcher) WithTransport(rt http.RoundTripper) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collector.WithTransport(rt)
}

// Fetch issues a GET for url. Non-2xx answers come back as ErrStatus and
// network failures are classified as ErrTimeout or ErrConnection. The
// collector cannot abort a request mid-flight, so a cancelled ctx returns
// immediately and the request finishes in the background.
func (f *CollectorFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	c := f.collector.Clone()
	f.mu.Unlock()

	type outcome struct {
		body   []byte
		status int
		err    error
	}
	var (
		mu  sync.Mutex
		out outcome
	)
	c.OnResponse(func(r *colly.Response) {
		mu.Lock()
		out.body = r.Body
		out.status = r.StatusCode
		mu.Unlock()
	})
	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		if r != nil {
			out.status = r.StatusCode
		}
		mu.Unlock()
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		mu.Lock()
		result := out
		mu.Unlock()
		if err != nil {
			return nil, classifyError(err, result.status)
		}
		if result.status >= http.StatusMultipleChoices {
			return nil, classifyError(nil, result.status)
		}
		return result.body, nil
	}
}
