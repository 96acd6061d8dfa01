package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/go-easymall/cart"
	"github.com/aluiziolira/go-easymall/catalog"
	"github.com/aluiziolira/go-easymall/config"
	"github.com/aluiziolira/go-easymall/feed"
	"github.com/aluiziolira/go-easymall/history"
	"github.com/aluiziolira/go-easymall/imageloader"
	"github.com/aluiziolira/go-easymall/models"
	"github.com/aluiziolira/go-easymall/prefetch"
	"github.com/aluiziolira/go-easymall/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	search := flag.String("search", "", "Title to search for")
	priceMin := flag.Int("price-min", -1, "Minimum price (applied together with -price-max)")
	priceMax := flag.Int("price-max", -1, "Maximum price (applied together with -price-min)")
	category := flag.Int("category", -1, "Category id to filter by")
	maxPages := flag.Int("pages", cfg.MaxPages, "Maximum pages to load")
	workers := flag.Int("workers", cfg.PrefetchWorkers, "Thumbnail prefetch workers")
	addToCart := flag.String("add-to-cart", "", "Comma-separated product ids to add to the cart")
	clearCart := flag.Bool("clear-cart", false, "Empty the cart before adding products")
	manifestKey := flag.String("manifest", cfg.ManifestKey, "Record prefetched thumbnails under this storage key")
	baseURL := flag.String("base-url", cfg.BaseURL, "Catalogue API base URL")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", cfg.Verbose, "Enable verbose logging")

	flag.Parse()

	cfg.MaxPages = *maxPages
	cfg.PrefetchWorkers = *workers
	cfg.ManifestKey = *manifestKey
	cfg.BaseURL = *baseURL
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose

	logger := newLogger(cfg.Verbose, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	cartIDs, err := parseIDs(*addToCart)
	if err != nil {
		slog.Error("invalid -add-to-cart", slog.Any("error", err))
		os.Exit(1)
	}
	filters := buildFilters(*search, *priceMin, *priceMax, *category)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	if err := run(ctx, cfg, filters, cartIDs, *clearCart, logger); err != nil {
		slog.Error("browse failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, filters models.ProductFilters, cartIDs []int, clearCart bool, logger *slog.Logger) error {
	catalogMetrics := catalog.NewMetrics()
	imageMetrics := imageloader.NewMetrics()

	if cfg.MetricsAddr != "" {
		metricsServer := &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(prometheus.Gatherers{catalogMetrics.Registry, imageMetrics.Registry}, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("metrics server shutdown failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	client, err := catalog.New(cfg, catalogMetrics, logger)
	if err != nil {
		return fmt.Errorf("initialise catalogue client: %w", err)
	}

	backend, closeBackend, err := openStorage(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer closeBackend()

	searches := history.New(backend, history.Options{
		Capacity:  cfg.HistoryCapacity,
		Retention: cfg.HistoryRetention,
		Logger:    logger,
	})
	shoppingCart := cart.New(ctx, backend, logger)

	loader, err := imageloader.New(imageloader.Options{
		Fetcher:     imageloader.NewCollectorFetcher(cfg.UserAgent, cfg.Timeout),
		CacheSize:   cfg.ImageCacheSize,
		MaxAttempts: cfg.ImageMaxAttempts,
		RetryDelay:  cfg.ImageRetryDelay,
		Metrics:     imageMetrics,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("initialise image loader: %w", err)
	}
	defer loader.Close()

	var writer prefetch.OutputWriter
	var manifest *prefetch.ManifestWriter
	if cfg.ManifestKey != "" {
		manifest, err = prefetch.NewManifestWriter(ctx, backend, cfg.ManifestKey, nil)
		if err != nil {
			return fmt.Errorf("open manifest: %w", err)
		}
		writer = manifest
		defer func() {
			if err := manifest.Close(); err != nil {
				slog.Error("close manifest", slog.Any("error", err))
			}
		}()
	}

	pool := prefetch.NewPool(ctx, loader, writer, prefetch.Options{Logger: logger})
	pool.Start(cfg.PrefetchWorkers)
	if cfg.Verbose {
		pool.StartStatsReporting(10 * time.Second)
	}

	controller := feed.NewController(client, searches, feed.Options{
		PageSize: cfg.PageSize,
		Logger:   logger,
	})
	defer controller.Close()

	slog.Info("starting browse",
		slog.String("base_url", cfg.BaseURL),
		slog.String("title", filters.TitleValue()),
		slog.Int("pages", cfg.MaxPages),
		slog.Int("workers", cfg.PrefetchWorkers),
	)

	summary := browse(ctx, controller, pool, filters, cfg.MaxPages)

	if err := pool.Close(); err != nil {
		return fmt.Errorf("prefetch shutdown: %w", err)
	}
	manifestSize := 0
	if manifest != nil {
		if err := manifest.Validate(); err != nil {
			slog.Warn("manifest validation failed", slog.Any("error", err))
		}
		manifestSize = manifest.Len()
	}
	stats := pool.Stats()
	summary.Thumbnails = int(stats.Warmed)
	summary.Placeholders = int(stats.Placeholders)

	if clearCart {
		if err := shoppingCart.Clear(ctx); err != nil {
			slog.Warn("clear cart failed", slog.Any("error", err))
		}
	}
	for _, id := range cartIDs {
		if err := addProduct(ctx, id, client, shoppingCart, logger); err != nil {
			slog.Warn("add to cart failed", slog.Int("product_id", id), slog.Any("error", err))
		}
	}

	if err := controller.RefreshRecentSearches(ctx); err != nil {
		slog.Warn("recent searches unavailable", slog.Any("error", err))
	}
	summary.RecentSearches = controller.RecentSearches().Get()
	summary.EndTime = time.Now()

	printSummary(summary, cfg.ManifestKey, manifestSize, shoppingCart)
	return nil
}

// browse loads pages until maxPages, the last page, an error, or
// cancellation, and feeds every new product to the prefetch pool.
func browse(ctx context.Context, controller *feed.Controller, pool *prefetch.Pool, filters models.ProductFilters, maxPages int) models.FeedSummary {
	summary := models.FeedSummary{StartTime: time.Now()}

	if filters.Equal(models.ProductFilters{}) {
		controller.GetProducts(ctx)
	} else {
		controller.SetSearchQuery(ctx, filters)
	}
	controller.Wait()

	seen := 0
	for {
		state := controller.State().Get()
		if state.Phase == feed.PhaseError {
			summary.ErrorMessage = state.Message
			break
		}

		products := controller.Products().Get()
		if len(products) > seen {
			summary.PageCount++
			if err := pool.Process(products[seen:]...); err != nil {
				slog.Warn("prefetch rejected products", slog.Any("error", err))
			}
			seen = len(products)
		}

		if summary.PageCount >= maxPages || !controller.HasMorePages() || ctx.Err() != nil {
			break
		}
		controller.LoadMoreProducts(ctx)
		controller.Wait()
	}

	summary.Products = controller.Products().Get()
	summary.HasMorePages = controller.HasMorePages()
	return summary
}

func addProduct(ctx context.Context, id int, client *catalog.Client, shoppingCart *cart.Manager, logger *slog.Logger) error {
	detail := feed.NewDetail(id, client, shoppingCart, logger)
	defer detail.Close()

	detail.Load(ctx)
	detail.Wait()

	state := detail.State().Get()
	switch state.Phase {
	case feed.PhaseLoaded:
	case feed.PhaseEmpty:
		return fmt.Errorf("product %d: %w", id, catalog.ErrNotFound)
	default:
		return fmt.Errorf("product %d: %s", id, state.Message)
	}
	if detail.InCart().Get() {
		return detail.Increase(ctx)
	}
	return detail.ToggleInCart(ctx)
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.Store, func(), error) {
	if cfg.RedisAddr != "" {
		client, err := storage.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewRedisStore(client, 0), func() {
			if err := client.Close(); err != nil {
				slog.Error("close redis", slog.Any("error", err))
			}
		}, nil
	}

	store, err := storage.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func buildFilters(search string, priceMin, priceMax, category int) models.ProductFilters {
	var filters models.ProductFilters
	if search = strings.TrimSpace(search); search != "" {
		filters.Title = &search
	}
	if priceMin >= 0 {
		filters.PriceMin = &priceMin
	}
	if priceMax >= 0 {
		filters.PriceMax = &priceMax
	}
	if category >= 0 {
		filters.CategoryID = &category
	}
	return filters
}

func parseIDs(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var ids []int
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("product id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printSummary(summary models.FeedSummary, manifestKey string, manifestSize int, shoppingCart *cart.Manager) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Browse complete")

	fmt.Printf("  Products:      %d\n", len(summary.Products))
	fmt.Printf("  Pages:         %d\n", summary.PageCount)
	fmt.Printf("  More pages:    %t\n", summary.HasMorePages)
	if summary.ErrorMessage != "" {
		fmt.Printf("  Error:         %s\n", summary.ErrorMessage)
	}
	fmt.Printf("  Thumbnails:    %d\n", summary.Thumbnails)
	fmt.Printf("  Placeholders:  %d\n", summary.Placeholders)
	fmt.Printf("  Duration:      %v\n", summary.EndTime.Sub(summary.StartTime))
	if manifestKey != "" {
		fmt.Printf("  Manifest:      %s (%d thumbnails)\n", manifestKey, manifestSize)
	}

	for _, p := range summary.Products {
		fmt.Printf("    #%-5d %-40s %s\n", p.ID, p.Title, p.PriceWithCurrency())
	}

	if len(summary.RecentSearches) > 0 {
		fmt.Println("  Recent searches:")
		for _, q := range summary.RecentSearches {
			fmt.Printf("    %-30q used %d times\n", q.Filters.TitleValue(), q.UsageCount)
		}
	}

	items := shoppingCart.Items().Get()
	if len(items) > 0 {
		fmt.Println()
		fmt.Println(shoppingCart.ShareText())
	}
	fmt.Println(separator)
}

func newLogger(verbose bool, levelName string) *slog.Logger {
	level := &slog.LevelVar{}
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		level.Set(slog.LevelInfo)
	}
	if verbose {
		level.Set(slog.LevelDebug)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
