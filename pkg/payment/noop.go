package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hiverun/controlplane/internal/apperr"
)

// NoopProcessor is a Processor that accepts every charge unconditionally
// and never contacts a real payment network. It exists so the ledger and
// auto-top-up controller can be exercised end-to-end (including tests and
// demo environments) without a live Stripe (or equivalent) credential.
type NoopProcessor struct{}

// NewNoop creates a NoopProcessor.
func NewNoop() *NoopProcessor { return &NoopProcessor{} }

func (p *NoopProcessor) CreateCheckoutSession(_ context.Context, in CheckoutSessionInput) (*CheckoutSession, error) {
	return &CheckoutSession{ID: uuid.New().String(), URL: in.SuccessURL}, nil
}

func (p *NoopProcessor) CreatePortalSession(_ context.Context, _, _ string) (*PortalSession, error) {
	return nil, apperr.New(apperr.KindNotSupported, "billing portal not supported by noop processor")
}

func (p *NoopProcessor) SetupPaymentMethod(_ context.Context, _ string) (string, error) {
	return fmt.Sprintf("seti_%s", uuid.New().String()), nil
}

func (p *NoopProcessor) ListPaymentMethods(_ context.Context, _ string) ([]PaymentMethod, error) {
	return nil, nil
}

func (p *NoopProcessor) DetachPaymentMethod(_ context.Context, _, _ string) error {
	return nil
}

func (p *NoopProcessor) Charge(_ context.Context, _ string, _ int64, _ string) (*ChargeResult, error) {
	return &ChargeResult{Success: true, PaymentReference: uuid.New().String()}, nil
}

func (p *NoopProcessor) HandleWebhook(_ context.Context, _ []byte, _ string) (*WebhookResult, error) {
	return &WebhookResult{Handled: false}, nil
}
