// Package catalog talks to the product listing API.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/aluiziolira/go-easymall/config"
	"github.com/aluiziolira/go-easymall/models"
	"github.com/aluiziolira/go-easymall/parser"
)

const (
	productsPath   = "/products"
	categoriesPath = "/categories"

	maxErrorBody = 1 << 10
	maxBody      = 8 << 20
)

// Client fetches products and categories. Network failures and 5xx
// answers are retried with exponential backoff; repeated failures open a
// circuit breaker that rejects calls until it cools down.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	userAgent  string

	maxRetries   int
	retryWaitMin time.Duration
	retryWaitMax time.Duration

	metrics *Metrics
	logger  *slog.Logger
}

// New builds a client from cfg. metrics and logger may be nil.
func New(cfg *config.Config, metrics *Metrics, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, cfg.BaseURL)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		userAgent:    cfg.UserAgent,
		maxRetries:   cfg.MaxRetries,
		retryWaitMin: cfg.RetryWaitMin,
		retryWaitMax: cfg.RetryWaitMax,
		metrics:      metrics,
		logger:       logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "catalog",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			metrics.SetBreakerState(to)
		},
	})
	metrics.SetBreakerState(gobreaker.StateClosed)

	return c, nil
}

// WithTransport swaps the underlying round tripper.
func (c *Client) WithTransport(rt http.RoundTripper) {
	c.httpClient.Transport = rt
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// FetchPage returns up to limit products starting at offset, narrowed by
// filters. Products that fail validation are dropped from Products but
// still counted in Fetched.
func (c *Client) FetchPage(ctx context.Context, offset, limit int, filters models.ProductFilters) (models.Page, error) {
	query := PageQuery(offset, limit, filters)

	var products []models.Product
	if err := c.getJSON(ctx, "products", productsPath, query, &products); err != nil {
		return models.Page{}, err
	}

	fetched := len(products)
	valid := products[:0]
	for i := range products {
		p := products[i]
		parser.NormalizeProduct(&p)
		if err := parser.ValidateProduct(&p); err != nil {
			c.metrics.IncDropped()
			c.logger.Warn("dropping invalid product", slog.Any("error", err))
			continue
		}
		valid = append(valid, p)
	}
	return models.Page{Products: valid, Fetched: fetched}, nil
}

// FetchByID returns a single product. A missing product yields an error
// matching ErrNotFound.
func (c *Client) FetchByID(ctx context.Context, id int) (models.Product, error) {
	var p models.Product
	if err := c.getJSON(ctx, "product", productsPath+"/"+strconv.Itoa(id), nil, &p); err != nil {
		return models.Product{}, err
	}
	parser.NormalizeProduct(&p)
	if err := parser.ValidateProduct(&p); err != nil {
		return models.Product{}, ErrDecode{Err: err}
	}
	return p, nil
}

// FetchCategories returns every category.
func (c *Client) FetchCategories(ctx context.Context) ([]models.Category, error) {
	var categories []models.Category
	if err := c.getJSON(ctx, "categories", categoriesPath, nil, &categories); err != nil {
		return nil, err
	}
	for i := range categories {
		categories[i].Image = parser.NormalizeImageURL(categories[i].Image)
	}
	return categories, nil
}

// PageQuery builds the listing query string. The price range is only
// sent when both bounds are set.
func PageQuery(offset, limit int, filters models.ProductFilters) url.Values {
	query := url.Values{}
	if filters.HasTitle() {
		query.Set("title", filters.TitleValue())
	}
	if filters.HasPriceRange() {
		query.Set("price_min", strconv.Itoa(*filters.PriceMin))
		query.Set("price_max", strconv.Itoa(*filters.PriceMax))
	}
	if filters.CategoryID != nil {
		query.Set("categoryId", strconv.Itoa(*filters.CategoryID))
	}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))
	return query
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, out any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.ObserveRequest(endpoint, Label(err), time.Since(start))
	}()

	u := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.doWithRetry(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, statusError(resp)
		}
		return resp, nil
	})
	if err != nil {
		c.logger.Debug("catalogue request failed",
			slog.String("endpoint", endpoint),
			slog.String("url", u.String()),
			slog.String("category", Label(err)),
			slog.Any("error", err),
		)
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrDecode{Err: err}
	}
	return nil
}

// doWithRetry retries network errors and 5xx answers other than 501.
func (c *Client) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.metrics.IncRetries()
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if isRetryable(err) && attempt < c.maxRetries {
				continue
			}
			return nil, ErrTransport{Err: fmt.Errorf("after %d attempts: %w", attempt+1, err)}
		}

		if resp.StatusCode >= http.StatusInternalServerError &&
			resp.StatusCode != http.StatusNotImplemented &&
			attempt < c.maxRetries {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue
		}
		return resp, nil
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	wait := c.retryWaitMin * time.Duration(1<<uint(attempt-1))
	if c.retryWaitMax > 0 && wait > c.retryWaitMax {
		wait = c.retryWaitMax
	}
	return wait
}

func statusError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return ErrStatus{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
