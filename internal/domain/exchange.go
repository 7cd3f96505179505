package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// CloseRequest asks the exchange to reduce or close a position.
type CloseRequest struct {
	Position PositionKey `json:"position"`
	// Quantity to reduce. Zero closes the whole position.
	Quantity decimal.Decimal `json:"quantity"`
	// IdempotencyKey lets the exchange collapse duplicate submissions.
	IdempotencyKey string `json:"idempotency_key"`
}

// CancelRequest asks the exchange to cancel one order.
type CancelRequest struct {
	Order          OrderKey `json:"order"`
	Symbol         string   `json:"symbol,omitempty"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// CommandAPI is the exchange command boundary. Implementations return a
// *CommandError for exchange responses, ErrAlreadyClosed when the target no
// longer exists, and wrap ErrTransient for timeouts and transport errors.
type CommandAPI interface {
	ClosePosition(ctx context.Context, req CloseRequest) error
	CancelOrder(ctx context.Context, req CancelRequest) error
}

// Credentials authenticate one user against one exchange gateway.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// CredentialSource resolves credentials per account.
type CredentialSource interface {
	Credentials(ctx context.Context, book BookKey) (Credentials, error)
}
