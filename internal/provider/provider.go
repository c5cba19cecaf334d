// Package provider abstracts the payment provider that moves money out
// of escrow.
//
// Every transfer carries a caller-minted idempotency reference. A
// timeout is an unknown outcome, never a failure: the worker records
// the attempt as pending and reconciliation settles the truth when the
// provider's webhook arrives.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lodgely/lodgely/internal/money"
)

var (
	// ErrOutcomeUnknown means the transfer may or may not have gone
	// through. The caller must not retry with a fresh reference and
	// must not treat the fund as settled.
	ErrOutcomeUnknown = errors.New("transfer outcome unknown")

	ErrInvalidTransfer = errors.New("invalid transfer request")
)

// TransientError marks a failure worth retrying with the same
// reference.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps an error as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether an error is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// TransferRequest describes one outbound payment.
type TransferRequest struct {
	// Reference is the idempotency key. Replaying a request with the
	// same reference must not move money twice.
	Reference   string
	BookingID   string
	Amount      money.Cents
	Currency    string
	Destination string // provider-side account of the receiving party
	Description string
}

// TransferResult is the provider's acknowledgment of an initiated
// transfer. Initiation is not confirmation; the webhook confirms.
type TransferResult struct {
	Reference  string
	ProviderID string
}

// Provider initiates transfers.
type Provider interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

func validate(req TransferRequest) error {
	if req.Reference == "" {
		return fmt.Errorf("%w: missing reference", ErrInvalidTransfer)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrInvalidTransfer)
	}
	if req.Destination == "" {
		return fmt.Errorf("%w: missing destination", ErrInvalidTransfer)
	}
	return nil
}

// Mock is an in-memory provider for development and tests. It honors
// idempotency references and can be programmed to fail.
type Mock struct {
	mu        sync.Mutex
	transfers map[string]*TransferResult
	requests  []TransferRequest

	// FailWith, when set, is returned for every new reference.
	FailWith error
}

// NewMock creates an empty mock provider.
func NewMock() *Mock {
	return &Mock{transfers: make(map[string]*TransferResult)}
}

var _ Provider = (*Mock)(nil)

func (m *Mock) Transfer(_ context.Context, req TransferRequest) (*TransferResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.transfers[req.Reference]; ok {
		// Idempotent replay returns the original result.
		return existing, nil
	}
	if m.FailWith != nil {
		return nil, m.FailWith
	}

	m.requests = append(m.requests, req)
	result := &TransferResult{
		Reference:  req.Reference,
		ProviderID: "mock_tr_" + req.Reference,
	}
	m.transfers[req.Reference] = result
	return result, nil
}

// Requests returns the distinct transfer requests seen, in order.
func (m *Mock) Requests() []TransferRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransferRequest(nil), m.requests...)
}
