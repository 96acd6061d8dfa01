package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-easymall/history"
	"github.com/aluiziolira/go-easymall/models"
	"github.com/aluiziolira/go-easymall/storage"
)

type pageCall struct {
	offset  int
	limit   int
	filters models.ProductFilters
}

type fakeSource struct {
	mu      sync.Mutex
	calls   []pageCall
	respond func(ctx context.Context, call pageCall) ([]models.Product, error)
	// dropped is added to Fetched on every non-empty page, as if the
	// catalogue had returned that many invalid rows as well.
	dropped int
}

func (f *fakeSource) FetchPage(ctx context.Context, offset, limit int, filters models.ProductFilters) (models.Page, error) {
	call := pageCall{offset: offset, limit: limit, filters: filters}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	products, err := f.respond(ctx, call)
	if err != nil {
		return models.Page{}, err
	}
	page := models.Page{Products: products, Fetched: len(products)}
	if len(products) > 0 {
		page.Fetched += f.dropped
	}
	return page, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSource) call(i int) pageCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func makeProducts(start, n int) []models.Product {
	out := make([]models.Product, n)
	for i := range out {
		id := start + i
		out[i] = models.Product{ID: id, Title: fmt.Sprintf("Product %d", id), Price: id}
	}
	return out
}

// sizedSource serves pages from a fixed catalogue of total products.
func sizedSource(total int) *fakeSource {
	return &fakeSource{respond: func(_ context.Context, call pageCall) ([]models.Product, error) {
		if call.offset >= total {
			return nil, nil
		}
		n := call.limit
		if call.offset+n > total {
			n = total - call.offset
		}
		return makeProducts(call.offset+1, n), nil
	}}
}

func newHistory() *history.Store {
	return history.New(storage.NewMemoryStore(), history.Options{})
}

func TestFeedPaginatesUntilShortPage(t *testing.T) {
	source := sizedSource(14)
	c := NewController(source, newHistory(), Options{})
	defer c.Close()
	ctx := context.Background()

	c.SetSearchQuery(ctx, models.TitleFilter("shoe"))
	c.Wait()

	if got := len(c.Products().Get()); got != 10 {
		t.Fatalf("first page: %d products, want 10", got)
	}
	if !c.HasMorePages() {
		t.Fatalf("full page should leave more pages")
	}
	if got := c.State().Get().Phase; got != PhaseLoaded {
		t.Fatalf("state = %s, want loaded", got)
	}

	c.LoadMoreProducts(ctx)
	c.Wait()

	if got := len(c.Products().Get()); got != 14 {
		t.Fatalf("after load more: %d products, want 14", got)
	}
	if c.HasMorePages() {
		t.Fatalf("short page should end pagination")
	}
	if got := c.State().Get().Phase; got != PhaseLoaded {
		t.Fatalf("state = %s, want loaded", got)
	}
	if got := source.call(1); got.offset != 10 || got.limit != 10 || got.filters.TitleValue() != "shoe" {
		t.Fatalf("second call = %+v", got)
	}
}

func TestFeedLoadMoreAfterLastPageIsIgnored(t *testing.T) {
	source := sizedSource(4)
	c := NewController(source, nil, Options{})
	defer c.Close()
	ctx := context.Background()

	c.GetProducts(ctx)
	c.Wait()
	if c.HasMorePages() {
		t.Fatalf("expected no more pages")
	}

	c.LoadMoreProducts(ctx)
	c.GetProducts(ctx)
	c.Wait()

	if got := source.callCount(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
	if got := c.Offset(); got != 0 {
		t.Fatalf("offset changed to %d", got)
	}
}

func TestFeedIgnoresCallsWhileBusy(t *testing.T) {
	release := make(chan struct{})
	source := &fakeSource{respond: func(ctx context.Context, call pageCall) ([]models.Product, error) {
		<-release
		return makeProducts(call.offset+1, 10), nil
	}}
	c := NewController(source, nil, Options{})
	defer c.Close()
	ctx := context.Background()

	c.GetProducts(ctx)
	if got := c.State().Get().Phase; got != PhaseLoading {
		t.Fatalf("state = %s, want loading", got)
	}
	c.GetProducts(ctx)
	c.LoadMoreProducts(ctx)
	close(release)
	c.Wait()

	if got := source.callCount(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
	if got := c.Offset(); got != 0 {
		t.Fatalf("offset = %d, want 0", got)
	}
}

func TestFeedLoadingMorePhase(t *testing.T) {
	release := make(chan struct{}, 2)
	source := &fakeSource{respond: func(ctx context.Context, call pageCall) ([]models.Product, error) {
		<-release
		return makeProducts(call.offset+1, 10), nil
	}}
	c := NewController(source, nil, Options{})
	defer c.Close()
	ctx := context.Background()

	release <- struct{}{}
	c.GetProducts(ctx)
	c.Wait()

	c.LoadMoreProducts(ctx)
	if got := c.State().Get().Phase; got != PhaseLoadingMore {
		t.Fatalf("state = %s, want loading_more", got)
	}
	release <- struct{}{}
	c.Wait()
	if got := len(c.Products().Get()); got != 20 {
		t.Fatalf("got %d products, want 20", got)
	}
}

func TestFeedErrorKeepsProductsAndAllowsRetry(t *testing.T) {
	fail := errors.New("catalogue unavailable")
	var mu sync.Mutex
	failNext := false
	source := &fakeSource{respond: func(_ context.Context, call pageCall) ([]models.Product, error) {
		mu.Lock()
		defer mu.Unlock()
		if failNext {
			failNext = false
			return nil, fail
		}
		return makeProducts(call.offset+1, 10), nil
	}}
	c := NewController(source, nil, Options{})
	defer c.Close()
	ctx := context.Background()

	c.GetProducts(ctx)
	c.Wait()

	mu.Lock()
	failNext = true
	mu.Unlock()
	c.LoadMoreProducts(ctx)
	c.Wait()

	state := c.State().Get()
	if state.Phase != PhaseError || state.Message != fail.Error() {
		t.Fatalf("state = %+v, want error %q", state, fail)
	}
	if got := len(c.Products().Get()); got != 10 {
		t.Fatalf("error cleared products: %d left", got)
	}

	c.GetProducts(ctx)
	c.Wait()
	if got := len(c.Products().Get()); got != 20 {
		t.Fatalf("retry: %d products, want 20", got)
	}
	if got := source.call(2).offset; got != 10 {
		t.Fatalf("retry offset = %d, want 10", got)
	}
}

func TestFeedEmptyResult(t *testing.T) {
	c := NewController(sizedSource(0), nil, Options{})
	defer c.Close()

	c.GetProducts(context.Background())
	c.Wait()
	if got := c.State().Get().Phase; got != PhaseEmpty {
		t.Fatalf("state = %s, want empty", got)
	}
}

func TestFeedSameFiltersIsNoOp(t *testing.T) {
	source := sizedSource(30)
	hist := newHistory()
	c := NewController(source, hist, Options{})
	defer c.Close()
	ctx := context.Background()

	c.SetSearchQuery(ctx, models.TitleFilter("shoe"))
	c.Wait()
	c.SetSearchFilters(ctx, models.TitleFilter("shoe"))
	c.Wait()

	if got := source.callCount(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
	recent, err := hist.Recent(ctx)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].UsageCount != 1 {
		t.Fatalf("history mutated by no-op: %+v", recent)
	}
}

func TestFeedFilterChangeResetsPagination(t *testing.T) {
	source := sizedSource(30)
	c := NewController(source, nil, Options{})
	defer c.Close()
	ctx := context.Background()

	c.GetProducts(ctx)
	c.Wait()
	c.LoadMoreProducts(ctx)
	c.Wait()
	if got := c.Offset(); got != 10 {
		t.Fatalf("offset = %d, want 10", got)
	}

	c.SetSearchFilters(ctx, models.TitleFilter("hat"))
	c.Wait()

	if got := c.Offset(); got != 0 {
		t.Fatalf("offset = %d after filter change, want 0", got)
	}
	if got := len(c.Products().Get()); got != 10 {
		t.Fatalf("products = %d after filter change, want 10", got)
	}
	if got := c.Filters().Get().TitleValue(); got != "hat" {
		t.Fatalf("active filters title = %q", got)
	}
}

func TestFeedDiscardsStalePage(t *testing.T) {
	slowStarted := make(chan struct{})
	slowRelease := make(chan struct{})
	source := &fakeSource{respond: func(ctx context.Context, call pageCall) ([]models.Product, error) {
		if call.filters.TitleValue() == "slow" {
			close(slowStarted)
			<-slowRelease
			return makeProducts(100, 10), nil
		}
		return makeProducts(1, 3), nil
	}}
	c := NewController(source, nil, Options{})
	defer c.Close()
	ctx := context.Background()

	c.SetSearchQuery(ctx, models.TitleFilter("slow"))
	<-slowStarted
	c.SetSearchQuery(ctx, models.TitleFilter("fast"))

	deadline := time.After(2 * time.Second)
	for c.State().Get().Busy() {
		select {
		case <-deadline:
			t.Fatalf("fast search never completed")
		case <-time.After(time.Millisecond):
		}
	}
	close(slowRelease)
	c.Wait()

	products := c.Products().Get()
	if len(products) != 3 || products[0].ID != 1 {
		t.Fatalf("stale page applied: %+v", products)
	}
	if c.HasMorePages() {
		t.Fatalf("stale page changed pagination")
	}
}

func TestFeedFilterChangeCancelsOutstandingFetch(t *testing.T) {
	cancelled := make(chan struct{})
	source := &fakeSource{respond: func(ctx context.Context, call pageCall) ([]models.Product, error) {
		if call.filters.TitleValue() == "first" {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}
		return makeProducts(1, 2), nil
	}}
	c := NewController(source, nil, Options{})
	defer c.Close()
	ctx := context.Background()

	c.SetSearchQuery(ctx, models.TitleFilter("first"))
	c.SetSearchQuery(ctx, models.TitleFilter("second"))

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatalf("outstanding fetch was not cancelled")
	}
	c.Wait()
	if got := c.State().Get().Phase; got != PhaseLoaded {
		t.Fatalf("state = %s, want loaded", got)
	}
}

func TestFeedSuggestionsAndSelection(t *testing.T) {
	source := sizedSource(30)
	hist := newHistory()
	c := NewController(source, hist, Options{})
	defer c.Close()
	ctx := context.Background()

	for _, title := range []string{"Running Shoe", "hat", "Dress Shoe", "hat"} {
		c.SetSearchQuery(ctx, models.TitleFilter(title))
		c.Wait()
	}
	c.SetSearchQuery(ctx, models.ProductFilters{})
	c.Wait()

	if err := c.RefreshRecentSearches(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	all := c.RecentSearches().Get()
	if len(all) != 3 || all[0].Filters.TitleValue() != "hat" {
		t.Fatalf("ranked history = %+v", all)
	}

	c.FilterSuggestions(ctx, "SHOE")
	shoes := c.RecentSearches().Get()
	if len(shoes) != 2 || shoes[0].Filters.TitleValue() != "Dress Shoe" || shoes[1].Filters.TitleValue() != "Running Shoe" {
		t.Fatalf("suggestions = %+v", shoes)
	}

	if err := c.DidSelectSearchQuery(ctx, 1); err != nil {
		t.Fatalf("select: %v", err)
	}
	c.Wait()
	if got := c.Filters().Get().TitleValue(); got != "Running Shoe" {
		t.Fatalf("selected filters = %q", got)
	}

	if err := c.DidSelectSearchQuery(ctx, 42); !errors.Is(err, ErrNoSuchSearch) {
		t.Fatalf("expected ErrNoSuchSearch, got %v", err)
	}

	c.FilterSuggestions(ctx, "")
	if got := len(c.RecentSearches().Get()); got != 3 {
		t.Fatalf("empty text should publish all searches, got %d", got)
	}
}

func TestFeedCloseCancelsFetch(t *testing.T) {
	source := &fakeSource{respond: func(ctx context.Context, _ pageCall) ([]models.Product, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	c := NewController(source, nil, Options{})
	c.GetProducts(context.Background())

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return")
	}

	c.GetProducts(context.Background())
	if got := source.callCount(); got != 1 {
		t.Fatalf("fetch started after Close")
	}
}

func TestFeedDroppedRowsKeepPaginating(t *testing.T) {
	source := &fakeSource{dropped: 1, respond: func(_ context.Context, call pageCall) ([]models.Product, error) {
		if call.offset >= 20 {
			return nil, nil
		}
		return makeProducts(call.offset+1, 9), nil
	}}
	c := NewController(source, nil, Options{})
	defer c.Close()
	ctx := context.Background()

	c.GetProducts(ctx)
	c.Wait()
	if got := len(c.Products().Get()); got != 9 {
		t.Fatalf("first page: %d products, want 9", got)
	}
	if !c.HasMorePages() {
		t.Fatalf("a full upstream page with a dropped row should leave more pages")
	}

	c.LoadMoreProducts(ctx)
	c.Wait()
	if got := source.callCount(); got != 2 {
		t.Fatalf("fetches = %d, want 2", got)
	}
	if got := source.call(1).offset; got != 10 {
		t.Fatalf("second offset = %d, want 10", got)
	}
	if got := len(c.Products().Get()); got != 18 {
		t.Fatalf("after load more: %d products, want 18", got)
	}
}

func TestFeedSuggestionsFromPersistedHistory(t *testing.T) {
	ctx := context.Background()
	hist := newHistory()
	for _, title := range []string{"Sneakers", "Boots", "Sneakers"} {
		if err := hist.Add(ctx, models.TitleFilter(title)); err != nil {
			t.Fatalf("seed history: %v", err)
		}
	}

	c := NewController(sizedSource(30), hist, Options{})
	defer c.Close()

	c.FilterSuggestions(ctx, "")
	all := c.RecentSearches().Get()
	if len(all) != 2 || all[0].Filters.TitleValue() != "Sneakers" {
		t.Fatalf("suggestions = %+v", all)
	}

	c.FilterSuggestions(ctx, "boot")
	boots := c.RecentSearches().Get()
	if len(boots) != 1 || boots[0].Filters.TitleValue() != "Boots" {
		t.Fatalf("filtered suggestions = %+v", boots)
	}

	if err := c.DidSelectSearchQuery(ctx, 0); err != nil {
		t.Fatalf("select: %v", err)
	}
	c.Wait()
	if got := c.Filters().Get().TitleValue(); got != "Boots" {
		t.Fatalf("selected filters = %q, want Boots", got)
	}
}

func TestFeedSelectBeforeSuggestionsLoadsHistory(t *testing.T) {
	ctx := context.Background()
	hist := newHistory()
	if err := hist.Add(ctx, models.TitleFilter("Lamp")); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	c := NewController(sizedSource(5), hist, Options{})
	defer c.Close()

	if err := c.DidSelectSearchQuery(ctx, 0); err != nil {
		t.Fatalf("select: %v", err)
	}
	c.Wait()
	if got := c.Filters().Get().TitleValue(); got != "Lamp" {
		t.Fatalf("selected filters = %q, want Lamp", got)
	}
	if err := c.DidSelectSearchQuery(ctx, 5); !errors.Is(err, ErrNoSuchSearch) {
		t.Fatalf("expected ErrNoSuchSearch, got %v", err)
	}
}

// lockCheckingHistory fails a search if the controller lock is held while
// history is written.
type lockCheckingHistory struct {
	*history.Store
	c    *Controller
	held bool
}

func (h *lockCheckingHistory) Add(ctx context.Context, filters models.ProductFilters) error {
	if h.c.mu.TryLock() {
		h.c.mu.Unlock()
	} else {
		h.held = true
	}
	return h.Store.Add(ctx, filters)
}

func TestFeedRecordsSearchOutsideLock(t *testing.T) {
	release := make(chan struct{})
	source := &fakeSource{respond: func(context.Context, pageCall) ([]models.Product, error) {
		<-release
		return makeProducts(1, 3), nil
	}}
	hist := &lockCheckingHistory{Store: newHistory()}
	c := NewController(source, hist, Options{})
	defer c.Close()
	hist.c = c
	ctx := context.Background()

	c.SetSearchQuery(ctx, models.TitleFilter("desk"))
	close(release)
	c.Wait()

	if hist.held {
		t.Fatalf("history was written while the controller lock was held")
	}
	recent := c.RecentSearches().Get()
	if len(recent) != 1 || recent[0].Filters.TitleValue() != "desk" {
		t.Fatalf("recent = %+v", recent)
	}
}
