// Package greenapi runs the inbound polling connector against the messaging
// provider notification queue.
package greenapi

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/voxhive/dialog-engine/internal/gate"
	"github.com/voxhive/dialog-engine/internal/messaging/greenapi"
	"github.com/voxhive/dialog-engine/internal/session"
)

type Receiver interface {
	ReceiveNotification(ctx context.Context) (*greenapi.Notification, error)
	DeleteNotification(ctx context.Context, receiptID int64) error
}

type Handler interface {
	HandleIncoming(ctx context.Context, inbound gate.Inbound) error
}

type Connector struct {
	receiver Receiver
	handler  Handler
	dedup    *gate.Gate
	pollIdle time.Duration
	logger   *slog.Logger
}

func New(receiver Receiver, handler Handler, dedup *gate.Gate, pollIdle time.Duration, logger *slog.Logger) *Connector {
	if pollIdle <= 0 {
		pollIdle = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		receiver: receiver,
		handler:  handler,
		dedup:    dedup,
		pollIdle: pollIdle,
		logger:   logger.With("component", "connector:greenapi"),
	}
}

// Run polls the notification queue until ctx is canceled. Poll failures log
// and back off briefly; they never stop the loop.
func (c *Connector) Run(ctx context.Context) error {
	c.logger.Info("connector started", "poll_idle", c.pollIdle.String())
	for {
		if ctx.Err() != nil {
			c.logger.Info("connector stopped")
			return nil
		}
		if err := c.pollOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("poll failed", "error", err)
			select {
			case <-ctx.Done():
				c.logger.Info("connector stopped")
				return nil
			case <-time.After(1500 * time.Millisecond):
			}
		}
	}
}

// pollOnce processes at most one queued notification. The notification is
// deleted from the provider queue only when every inbound it carried was
// either handled or deliberately dropped; a transient handler failure keeps
// it queued for redelivery, and the dedup gate skips the parts that already
// went through.
func (c *Connector) pollOnce(ctx context.Context) error {
	notification, err := c.receiver.ReceiveNotification(ctx)
	if err != nil {
		return err
	}
	if notification == nil {
		select {
		case <-ctx.Done():
		case <-time.After(c.pollIdle):
		}
		return nil
	}

	retained := false
	for _, inbound := range gate.Normalize(notification.Body) {
		if c.dedup.Seen(ctx, inbound.MessageID) {
			continue
		}
		if err := c.handler.HandleIncoming(ctx, inbound); err != nil {
			if errors.Is(err, session.ErrNoRunningSession) {
				// Deliberate drop; remember the id so redeliveries stay quiet.
				c.dedup.MarkProcessed(ctx, inbound.MessageID)
				continue
			}
			c.logger.Error("inbound handling failed", "error", err, "party_id", inbound.PartyID)
			retained = true
			continue
		}
		c.dedup.MarkProcessed(ctx, inbound.MessageID)
	}

	if retained {
		return nil
	}
	if err := c.receiver.DeleteNotification(ctx, notification.ReceiptID); err != nil {
		c.logger.Error("notification delete failed", "error", err, "receipt_id", notification.ReceiptID)
	}
	return nil
}
