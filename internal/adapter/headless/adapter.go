// Package headless implements the retailer adapter contract by driving the
// browser capability port through a configurable page flow. Retailer
// knowledge lives entirely in the flow options (URLs and selectors); the
// package maps raw page outcomes into the failure taxonomy.
package headless

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/marcospaulo/makeitrain/internal/domain/fail"
	"github.com/marcospaulo/makeitrain/internal/domain/resource"
	"github.com/marcospaulo/makeitrain/internal/port/browser"
	"github.com/marcospaulo/makeitrain/internal/port/retailer"
)

// Adapter drives one retailer's storefront through a remote browser.
type Adapter struct {
	name string
	b    browser.Browser
	flow flow
	key  []byte // credential unseal key
}

// flow holds the per-retailer page knowledge.
type flow struct {
	loginURL         string
	usernameSel      string
	passwordSel      string
	submitSel        string
	lockedSel        string // present after a rejected login
	challengeSel     string // present when an anti-bot challenge is served
	itemURL          string // template; {item} is replaced with the item ref
	stockSel         string // present when the item is purchasable
	priceSel         string
	addToCartSel     string
	checkoutURL      string
	placeOrderSel    string
	declineSel       string // present when payment is rejected
	orderRefSel      string
	sessionMarkerSel string // present when an existing session is still valid
}

// New creates an Adapter for the named retailer from flow options.
func New(name string, b browser.Browser, opts map[string]string) (*Adapter, error) {
	f := flow{
		loginURL:         opts["login_url"],
		usernameSel:      opts["username_selector"],
		passwordSel:      opts["password_selector"],
		submitSel:        opts["submit_selector"],
		lockedSel:        opts["locked_selector"],
		challengeSel:     opts["challenge_selector"],
		itemURL:          opts["item_url"],
		stockSel:         opts["stock_selector"],
		priceSel:         opts["price_selector"],
		addToCartSel:     opts["add_to_cart_selector"],
		checkoutURL:      opts["checkout_url"],
		placeOrderSel:    opts["place_order_selector"],
		declineSel:       opts["decline_selector"],
		orderRefSel:      opts["order_ref_selector"],
		sessionMarkerSel: opts["session_marker_selector"],
	}
	for _, req := range []struct{ key, val string }{
		{"login_url", f.loginURL},
		{"item_url", f.itemURL},
		{"stock_selector", f.stockSel},
		{"add_to_cart_selector", f.addToCartSel},
		{"place_order_selector", f.placeOrderSel},
		{"order_ref_selector", f.orderRefSel},
	} {
		if req.val == "" {
			return nil, fmt.Errorf("headless %s: missing flow option %q", name, req.key)
		}
	}

	a := &Adapter{name: name, b: b, flow: f}
	if secret := opts["credential_secret"]; secret != "" {
		a.key = resource.DeriveKey(secret)
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

// Login signs the account in, or restores its saved session when the
// retailer still honors it.
func (a *Adapter) Login(ctx context.Context, account *resource.Resource) (retailer.LoginResult, error) {
	if err := a.b.Navigate(ctx, a.flow.loginURL); err != nil {
		return retailer.LoginResult{}, a.classify(ctx, err)
	}

	// A still-valid session skips the credential dance entirely.
	if a.flow.sessionMarkerSel != "" && len(account.Session) > 0 {
		if _, err := a.b.Text(ctx, a.flow.sessionMarkerSel); err == nil {
			return retailer.LoginResult{SessionRestored: true}, nil
		}
	}

	password, err := a.password(account)
	if err != nil {
		return retailer.LoginResult{}, fail.Wrap(fail.KindAccountLocked, err)
	}

	if err := a.b.Type(ctx, a.flow.usernameSel, account.Username); err != nil {
		return retailer.LoginResult{}, a.classify(ctx, err)
	}
	if err := a.b.Type(ctx, a.flow.passwordSel, password); err != nil {
		return retailer.LoginResult{}, a.classify(ctx, err)
	}
	if err := a.b.Click(ctx, a.flow.submitSel); err != nil {
		return retailer.LoginResult{}, a.classify(ctx, err)
	}

	if a.present(ctx, a.flow.lockedSel) {
		return retailer.LoginResult{}, fail.New(fail.KindAccountLocked, "%s rejected the credentials", a.name)
	}
	if a.present(ctx, a.flow.challengeSel) {
		return retailer.LoginResult{}, fail.New(fail.KindDetectionBlocked, "%s served a challenge page at login", a.name)
	}
	return retailer.LoginResult{}, nil
}

// CheckStock loads the item page and reads availability and price.
func (a *Adapter) CheckStock(ctx context.Context, itemRef string) (retailer.StockResult, error) {
	url := strings.ReplaceAll(a.flow.itemURL, "{item}", itemRef)
	if err := a.b.Navigate(ctx, url); err != nil {
		return retailer.StockResult{}, a.classify(ctx, err)
	}
	if a.present(ctx, a.flow.challengeSel) {
		return retailer.StockResult{}, fail.New(fail.KindDetectionBlocked, "%s served a challenge page", a.name)
	}
	if !a.present(ctx, a.flow.stockSel) {
		return retailer.StockResult{InStock: false}, nil
	}

	res := retailer.StockResult{InStock: true}
	if a.flow.priceSel != "" {
		if text, err := a.b.Text(ctx, a.flow.priceSel); err == nil {
			res.Price = parsePrice(text)
		}
	}
	return res, nil
}

// AddToCart clicks the buy control once per requested unit.
func (a *Adapter) AddToCart(ctx context.Context, itemRef string, quantity int) (retailer.CartResult, error) {
	for i := 0; i < quantity; i++ {
		if err := a.b.Click(ctx, a.flow.addToCartSel); err != nil {
			return retailer.CartResult{}, a.classify(ctx, err)
		}
	}
	if a.present(ctx, a.flow.challengeSel) {
		return retailer.CartResult{}, fail.New(fail.KindDetectionBlocked, "%s served a challenge page at cart", a.name)
	}
	return retailer.CartResult{}, nil
}

// Checkout places the order and returns the retailer's order reference.
func (a *Adapter) Checkout(ctx context.Context, _ *resource.Resource) (retailer.CheckoutResult, error) {
	if a.flow.checkoutURL != "" {
		if err := a.b.Navigate(ctx, a.flow.checkoutURL); err != nil {
			return retailer.CheckoutResult{}, a.classify(ctx, err)
		}
	}
	if err := a.b.Click(ctx, a.flow.placeOrderSel); err != nil {
		return retailer.CheckoutResult{}, a.classify(ctx, err)
	}

	if a.present(ctx, a.flow.declineSel) {
		return retailer.CheckoutResult{}, fail.New(fail.KindPaymentDeclined, "%s declined the payment", a.name)
	}
	ref, err := a.b.Text(ctx, a.flow.orderRefSel)
	if err != nil {
		return retailer.CheckoutResult{}, a.classify(ctx, err)
	}
	return retailer.CheckoutResult{OrderRef: strings.TrimSpace(ref)}, nil
}

// password unseals the account credential.
func (a *Adapter) password(account *resource.Resource) (string, error) {
	if len(account.Credential) == 0 {
		return "", fmt.Errorf("account %s has no credential", account.ID)
	}
	if a.key == nil {
		return "", fmt.Errorf("no credential secret configured")
	}
	pw, err := resource.Open(account.Credential, a.key)
	if err != nil {
		return "", fmt.Errorf("unseal credential for %s: %w", account.ID, err)
	}
	return string(pw), nil
}

// present probes for a selector. A query that resolves is presence; the
// browser errors when the selector matches nothing.
func (a *Adapter) present(ctx context.Context, selector string) bool {
	if selector == "" {
		return false
	}
	_, err := a.b.Text(ctx, selector)
	return err == nil
}

// classify maps a raw browser failure into the taxonomy. Context expiry
// stays as-is so stage timeouts keep their timeout classification.
func (a *Adapter) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	return fail.Wrap(fail.KindTransient, err)
}

// parsePrice extracts a float from a price string like "$499.00".
func parsePrice(text string) float64 {
	cleaned := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, strings.ReplaceAll(text, ",", ""))
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0
	}
	return v
}
