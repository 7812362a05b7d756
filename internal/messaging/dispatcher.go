package messaging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Dispatcher formats assistant replies for the channel and sends them after
// a fixed post-reply delay, so answers do not arrive implausibly fast.
type Dispatcher struct {
	provider Provider
	delay    time.Duration
	logger   *slog.Logger
}

func NewDispatcher(provider Provider, delay time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		provider: provider,
		delay:    delay,
		logger:   logger,
	}
}

// Dispatch sends text to partyID and returns the provider ack id. An empty
// formatted text is dropped without a provider call.
func (d *Dispatcher) Dispatch(ctx context.Context, partyID, text string) (string, error) {
	formatted := FormatForChannel(text)
	if formatted == "" {
		return "", nil
	}

	if d.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.delay):
		}
	}

	ack, err := d.provider.SendMessage(ctx, partyID, formatted)
	if err != nil {
		return "", err
	}
	d.logger.Info("reply dispatched", "party_id", partyID, "ack_id", ack, "length", len(formatted))
	return ack, nil
}

var (
	codeFencePattern  = regexp.MustCompile("```[a-zA-Z]*\n?")
	blankRunsPattern  = regexp.MustCompile(`\n{3,}`)
	headingRunPattern = regexp.MustCompile(`(?m)^#{1,6}\s+`)
)

// FormatForChannel strips markdown artifacts the messaging channel renders
// as literal text and collapses runs of blank lines.
func FormatForChannel(text string) string {
	formatted := strings.TrimSpace(text)
	if formatted == "" {
		return ""
	}
	formatted = codeFencePattern.ReplaceAllString(formatted, "")
	formatted = headingRunPattern.ReplaceAllString(formatted, "")
	formatted = blankRunsPattern.ReplaceAllString(formatted, "\n\n")
	return strings.TrimSpace(formatted)
}
