// Package messaging defines the outbound provider boundary and the reply
// dispatcher used by the session lifecycle manager.
package messaging

import (
	"context"
	"errors"
)

var ErrUnavailable = errors.New("messaging provider unavailable")

// Provider sends a text message to an external party and returns the
// provider's message id as an acknowledgement.
type Provider interface {
	SendMessage(ctx context.Context, partyID, text string) (string, error)
}
