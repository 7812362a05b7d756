// Package gate normalizes heterogeneous inbound provider notifications into
// a canonical triple and deduplicates redelivered messages.
package gate

import (
	"encoding/json"
	"strings"
)

// Inbound is the canonical form every accepted notification converges to.
type Inbound struct {
	PartyID   string
	Text      string
	MessageID string
	Meta      map[string]any
}

// The provider delivers three payload shapes: a polled batch with a
// "messages" array, a webhook envelope nesting the notification under
// "message" or "body", and the raw notification object itself.
type (
	PolledMessage   map[string]any
	WebhookEnvelope map[string]any
	RawNotification map[string]any
)

// Normalize decodes raw and routes it through the variant-specific
// normalization, returning zero or more canonical inbounds. Unparseable
// payloads yield nothing; they are dropped, not errors.
func Normalize(raw json.RawMessage) []Inbound {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}

	if batch, ok := payload["messages"].([]any); ok {
		var inbounds []Inbound
		for _, element := range batch {
			entry, ok := element.(map[string]any)
			if !ok {
				continue
			}
			if inbound := PolledMessage(entry).normalize(); inbound != nil {
				inbounds = append(inbounds, *inbound)
			}
		}
		return inbounds
	}

	for _, envelopeKey := range []string{"message", "body"} {
		if nested, ok := payload[envelopeKey].(map[string]any); ok {
			if inbound := WebhookEnvelope(nested).normalize(); inbound != nil {
				return []Inbound{*inbound}
			}
			return nil
		}
	}

	if inbound := RawNotification(payload).normalize(); inbound != nil {
		return []Inbound{*inbound}
	}
	return nil
}

func (m PolledMessage) normalize() *Inbound   { return normalizeFields(m) }
func (m WebhookEnvelope) normalize() *Inbound { return normalizeFields(m) }
func (m RawNotification) normalize() *Inbound { return normalizeFields(m) }

// inboundTextTypes are the notification types classified as inbound text.
// A payload carrying any other explicit type is rejected; a payload with no
// type field is judged on its resolvable fields alone.
var inboundTextTypes = map[string]bool{
	"incoming":                true,
	"incomingMessageReceived": true,
	"textMessage":             true,
	"extendedTextMessage":     true,
}

func normalizeFields(payload map[string]any) *Inbound {
	if kind := payloadType(payload); kind != "" && !inboundTextTypes[kind] {
		return nil
	}

	partyID := stringField(payload, "chatId")
	if partyID == "" {
		if senderData, ok := payload["senderData"].(map[string]any); ok {
			partyID = stringField(senderData, "chatId")
		}
	}
	if partyID == "" {
		return nil
	}

	text := stringField(payload, "textMessage")
	if text == "" {
		text = nestedText(payload)
	}
	if text == "" {
		return nil
	}

	inbound := &Inbound{
		PartyID:   partyID,
		Text:      text,
		MessageID: stringField(payload, "idMessage"),
		Meta:      map[string]any{},
	}
	if kind := payloadType(payload); kind != "" {
		inbound.Meta["type"] = kind
	}
	if senderData, ok := payload["senderData"].(map[string]any); ok {
		if senderName := stringField(senderData, "senderName"); senderName != "" {
			inbound.Meta["sender_name"] = senderName
		}
	}
	return inbound
}

func payloadType(payload map[string]any) string {
	if kind := stringField(payload, "type"); kind != "" {
		return kind
	}
	return stringField(payload, "typeMessage")
}

func nestedText(payload map[string]any) string {
	messageData, ok := payload["messageData"].(map[string]any)
	if !ok {
		return ""
	}
	textData, ok := messageData["textMessageData"].(map[string]any)
	if !ok {
		return ""
	}
	return stringField(textData, "textMessage")
}

func stringField(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return strings.TrimSpace(value)
}
