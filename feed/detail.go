package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/aluiziolira/go-easymall/catalog"
	"github.com/aluiziolira/go-easymall/models"
	"github.com/aluiziolira/go-easymall/observe"
)

// ProductLookup fetches a single product.
type ProductLookup interface {
	FetchByID(ctx context.Context, id int) (models.Product, error)
}

// Cart is the part of the cart a detail screen drives.
type Cart interface {
	Items() *observe.Value[[]models.CartItem]
	Add(ctx context.Context, product models.Product) error
	Increase(ctx context.Context, productID int) error
	Decrease(ctx context.Context, productID int) error
}

// Detail backs the product detail screen. It follows the cart so InCart and
// Quantity stay current while the screen is open.
type Detail struct {
	productID int
	source    ProductLookup
	cart      Cart
	logger    *slog.Logger

	lifetime context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
	loads    sync.WaitGroup
	unsub    func()

	mu   sync.Mutex
	busy bool

	state    *observe.Value[State]
	product  *observe.Value[*models.Product]
	inCart   *observe.Value[bool]
	quantity *observe.Value[int]
	navigate *observe.Value[bool]
}

// NewDetail starts following cart for productID. Call Close when done.
func NewDetail(productID int, source ProductLookup, cart Cart, logger *slog.Logger) *Detail {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	d := &Detail{
		productID: productID,
		source:    source,
		cart:      cart,
		logger:    logger,
		state:     observe.NewValue(State{Phase: PhaseIdle}),
		product:   observe.NewValue[*models.Product](nil),
		inCart:    observe.NewValue(false),
		quantity:  observe.NewValue(0),
		navigate:  observe.NewValue(false),
	}
	d.lifetime, d.shutdown = context.WithCancel(context.Background())

	items, unsub := cart.Items().Subscribe()
	d.unsub = unsub
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for list := range items {
			d.mu.Lock()
			d.syncCart(list)
			d.mu.Unlock()
		}
	}()
	return d
}

// State publishes the fetch lifecycle.
func (d *Detail) State() *observe.Value[State] { return d.state }

// Product publishes the loaded product, nil until a fetch succeeds.
func (d *Detail) Product() *observe.Value[*models.Product] { return d.product }

// InCart publishes whether the product is in the cart.
func (d *Detail) InCart() *observe.Value[bool] { return d.inCart }

// Quantity publishes the product's cart quantity, zero when absent.
func (d *Detail) Quantity() *observe.Value[int] { return d.quantity }

// ShouldNavigate publishes true when ToggleInCart finds the product already
// in the cart.
func (d *Detail) ShouldNavigate() *observe.Value[bool] { return d.navigate }

// Load fetches the product. It is ignored while a fetch is outstanding.
// A product the catalogue does not know publishes PhaseEmpty.
func (d *Detail) Load(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy || d.lifetime.Err() != nil {
		return
	}
	d.busy = true
	d.state.Set(State{Phase: PhaseLoading})

	fetchCtx, cancel := fetchScope(ctx, d.lifetime)
	d.loads.Add(1)
	go func() {
		defer d.loads.Done()
		defer cancel()

		p, err := d.source.FetchByID(fetchCtx, d.productID)

		d.mu.Lock()
		defer d.mu.Unlock()
		d.busy = false

		switch {
		case errors.Is(err, catalog.ErrNotFound):
			d.state.Set(State{Phase: PhaseEmpty})
		case err != nil:
			d.logger.Warn("product detail fetch failed",
				slog.Int("product_id", d.productID),
				slog.Any("error", err),
			)
			d.state.Set(errorState(err))
		default:
			d.product.Set(&p)
			d.syncCart(d.cart.Items().Get())
			d.state.Set(State{Phase: PhaseLoaded})
		}
	}()
}

// CardText renders the loaded product for sharing, or "" before load.
func (d *Detail) CardText() string {
	p := d.product.Get()
	if p == nil {
		return ""
	}
	return p.CardText()
}

// ToggleInCart adds the product to the cart, or asks for navigation to the
// cart when it is already there.
func (d *Detail) ToggleInCart(ctx context.Context) error {
	p := d.product.Get()
	if p == nil {
		return nil
	}
	if d.inCart.Get() {
		d.navigate.Set(true)
		return nil
	}
	return d.cart.Add(ctx, *p)
}

// Increase adds one of the loaded product to the cart.
func (d *Detail) Increase(ctx context.Context) error {
	p := d.product.Get()
	if p == nil {
		return nil
	}
	return d.cart.Increase(ctx, p.ID)
}

// Decrease removes one of the loaded product from the cart.
func (d *Detail) Decrease(ctx context.Context) error {
	p := d.product.Get()
	if p == nil {
		return nil
	}
	return d.cart.Decrease(ctx, p.ID)
}

// Wait blocks until an outstanding Load has finished.
func (d *Detail) Wait() {
	d.loads.Wait()
}

// Close stops following the cart and cancels any outstanding Load.
func (d *Detail) Close() {
	d.shutdown()
	d.unsub()
	d.loads.Wait()
	d.wg.Wait()
}

// syncCart runs under d.mu.
func (d *Detail) syncCart(items []models.CartItem) {
	p := d.product.Get()
	if p == nil {
		return
	}
	quantity := 0
	for _, item := range items {
		if item.Product.ID == p.ID {
			quantity = item.Quantity
			break
		}
	}
	d.inCart.Set(quantity > 0)
	d.quantity.Set(quantity)
}
