// Package retailer defines the adapter port every retailer integration implements.
// The state machine depends only on this contract; selector and flow knowledge
// lives in the adapters.
package retailer

import (
	"context"

	"github.com/marcospaulo/makeitrain/internal/domain/resource"
)

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	SessionRestored bool `json:"session_restored"` // true when a saved session blob skipped the login form
}

// StockResult is the outcome of a stock check.
type StockResult struct {
	InStock            bool     `json:"in_stock"`
	Price              float64  `json:"price,omitempty"`
	FulfillmentOptions []string `json:"fulfillment_options,omitempty"`
}

// CartResult is the outcome of adding an item to the cart.
type CartResult struct {
	CartTotal float64 `json:"cart_total,omitempty"`
}

// CheckoutResult is the outcome of a completed checkout.
type CheckoutResult struct {
	OrderRef string `json:"order_ref"`
}

// Adapter drives one retailer's login/stock/cart/checkout flow. Unsuccessful
// calls return a *fail.Error carrying the normalized failure kind; anything
// else is treated as transient by the state machine.
type Adapter interface {
	// Name returns the retailer tag this adapter serves (e.g. "shopline").
	Name() string

	// Login authenticates the bound account, restoring its session blob when present.
	Login(ctx context.Context, account *resource.Resource) (LoginResult, error)

	// CheckStock reports availability for the item.
	CheckStock(ctx context.Context, itemRef string) (StockResult, error)

	// AddToCart places quantity units of the item in the cart.
	AddToCart(ctx context.Context, itemRef string, quantity int) (CartResult, error)

	// Checkout completes the purchase with the bound account's payment profile.
	Checkout(ctx context.Context, account *resource.Resource) (CheckoutResult, error)
}
