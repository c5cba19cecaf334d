package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProvider moves money via Stripe Connect transfers.
type StripeProvider struct {
	api     *client.API
	timeout time.Duration
}

// NewStripeProvider creates a Stripe-backed provider.
func NewStripeProvider(secretKey string, timeout time.Duration) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{api: api, timeout: timeout}
}

var _ Provider = (*StripeProvider)(nil)

// Transfer initiates a Stripe transfer using the request reference as
// the Stripe idempotency key. Stripe deduplicates on it, so a retried
// call cannot double-pay.
func (s *StripeProvider) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	params := &stripe.TransferParams{
		Amount:        stripe.Int64(int64(req.Amount)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.BookingID),
		Description:   stripe.String(req.Description),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Reference)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, classify(ctx, req.Reference, err)
	}

	return &TransferResult{Reference: req.Reference, ProviderID: tr.ID}, nil
}

// classify sorts a Stripe failure into unknown, transient, or
// permanent. A context timeout means the request may have reached
// Stripe, so the outcome is unknown rather than failed.
func classify(ctx context.Context, reference string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: transfer %s timed out: %v", ErrOutcomeUnknown, reference, err)
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.Type == stripe.ErrorTypeAPI {
			return Transient(err)
		}
		if stripeErr.Code == stripe.ErrorCodeLockTimeout || stripeErr.Code == stripe.ErrorCodeRateLimit {
			return Transient(err)
		}
		// 4xx: bad destination, insufficient platform balance, etc.
		// Retrying the same request cannot help.
		return err
	}

	// Network-level error before any HTTP response: nothing reached
	// Stripe, safe to retry.
	return Transient(err)
}
