// Package gateway talks to the third-party payment gateway.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable covers transport failures, timeouts and 5xx answers.
	// The caller may retry.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrRejected is a 4xx answer; retrying the same request will not help.
	ErrRejected = errors.New("gateway rejected request")
)

type OrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

type Order struct {
	ID       string
	Amount   int64
	Currency string
	Status   string
}

type RefundRequest struct {
	PaymentID string
	Amount    int64
	// Receipt is the payment record id. It lets refund webhooks be matched
	// back to the record and marks retries as the same refund.
	Receipt string
	Notes   map[string]string
}

type Refund struct {
	ID        string
	PaymentID string
	Amount    int64
	Status    string
}

type Gateway interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
	// PublicKey is handed to the client-side checkout widget.
	PublicKey() string
}
