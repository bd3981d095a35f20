// Package payment defines the abstract payment processor contract the
// ledger and auto-top-up controller depend on. Stripe (or any other
// provider) SDK specifics live behind this interface, not in the core.
package payment

import "context"

// CheckoutSessionInput describes a requested hosted checkout session.
type CheckoutSessionInput struct {
	TenantID   string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the result of creating a checkout session.
type CheckoutSession struct {
	ID  string
	URL string
}

// PortalSession is the result of creating a billing portal session.
type PortalSession struct {
	URL string
}

// PaymentMethod describes a stored payment method.
type PaymentMethod struct {
	ID        string
	Label     string
	IsDefault bool
}

// ChargeResult is the outcome of an attempted charge.
type ChargeResult struct {
	Success          bool
	PaymentReference string
	Error            string
}

// WebhookResult is the outcome of handling a verified webhook event.
// EventID is the provider's own event identifier (e.g. a Stripe "evt_..."
// id); callers crediting the ledger from a webhook use it as the
// reference_id so a redelivered event credits at most once.
type WebhookResult struct {
	Handled       bool
	EventType     string
	EventID       string
	TenantID      string
	CreditedCents int64
}

// Processor is the abstract payment processor contract. All methods may
// return an *apperr.Error; NotSupported signals a capability the concrete
// processor does not implement (e.g. billing portal).
type Processor interface {
	CreateCheckoutSession(ctx context.Context, in CheckoutSessionInput) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, tenantID, returnURL string) (*PortalSession, error)
	SetupPaymentMethod(ctx context.Context, tenantID string) (clientSecret string, err error)
	ListPaymentMethods(ctx context.Context, tenantID string) ([]PaymentMethod, error)
	DetachPaymentMethod(ctx context.Context, tenantID, paymentMethodID string) error
	Charge(ctx context.Context, tenantID string, amount int64, reason string) (*ChargeResult, error)
	HandleWebhook(ctx context.Context, rawBody []byte, signature string) (*WebhookResult, error)
}
