package gate

import (
	"encoding/json"
	"testing"
)

func TestNormalizeRawNotification(t *testing.T) {
	inbounds := Normalize(json.RawMessage(`{
		"chatId": "79990000000@c.us",
		"textMessage": "Здравствуйте",
		"idMessage": "msg-1"
	}`))
	if len(inbounds) != 1 {
		t.Fatalf("expected one inbound, got %d", len(inbounds))
	}
	if inbounds[0].PartyID != "79990000000@c.us" || inbounds[0].Text != "Здравствуйте" {
		t.Fatalf("unexpected inbound: %+v", inbounds[0])
	}
	if inbounds[0].MessageID != "msg-1" {
		t.Fatalf("message id not extracted: %+v", inbounds[0])
	}
}

func TestNormalizePolledBatch(t *testing.T) {
	inbounds := Normalize(json.RawMessage(`{
		"messages": [
			{"chatId": "a@c.us", "textMessage": "первое", "idMessage": "m1"},
			{"chatId": "b@c.us", "textMessage": "второе", "idMessage": "m2"},
			{"chatId": "c@c.us", "idMessage": "m3"}
		]
	}`))
	if len(inbounds) != 2 {
		t.Fatalf("expected two inbounds (textless entry dropped), got %d", len(inbounds))
	}
	if inbounds[0].PartyID != "a@c.us" || inbounds[1].PartyID != "b@c.us" {
		t.Fatalf("batch order lost: %+v", inbounds)
	}
}

func TestNormalizeWebhookEnvelope(t *testing.T) {
	inbounds := Normalize(json.RawMessage(`{
		"body": {
			"typeMessage": "textMessage",
			"idMessage": "wh-1",
			"senderData": {"chatId": "79990000001@c.us", "senderName": "Анна"},
			"messageData": {"textMessageData": {"textMessage": "Сколько стоит?"}}
		}
	}`))
	if len(inbounds) != 1 {
		t.Fatalf("expected one inbound, got %d", len(inbounds))
	}
	inbound := inbounds[0]
	if inbound.PartyID != "79990000001@c.us" {
		t.Fatalf("nested senderData.chatId not resolved: %+v", inbound)
	}
	if inbound.Text != "Сколько стоит?" {
		t.Fatalf("nested text not resolved: %+v", inbound)
	}
	if inbound.Meta["sender_name"] != "Анна" {
		t.Fatalf("sender name not carried in meta: %+v", inbound.Meta)
	}
}

func TestNormalizeRejectsNonTextTypes(t *testing.T) {
	inbounds := Normalize(json.RawMessage(`{
		"chatId": "79990000000@c.us",
		"textMessage": "caption",
		"typeMessage": "imageMessage"
	}`))
	if len(inbounds) != 0 {
		t.Fatalf("image notification must be rejected, got %+v", inbounds)
	}

	inbounds = Normalize(json.RawMessage(`{
		"chatId": "79990000000@c.us",
		"textMessage": "echo",
		"type": "outgoingMessageReceived"
	}`))
	if len(inbounds) != 0 {
		t.Fatalf("outgoing notification must be rejected, got %+v", inbounds)
	}
}

func TestNormalizeMissingPartyOrText(t *testing.T) {
	if got := Normalize(json.RawMessage(`{"textMessage": "без адресата"}`)); len(got) != 0 {
		t.Fatalf("payload without party id must be dropped, got %+v", got)
	}
	if got := Normalize(json.RawMessage(`{"chatId": "a@c.us"}`)); len(got) != 0 {
		t.Fatalf("payload without text must be dropped, got %+v", got)
	}
	if got := Normalize(json.RawMessage(`not json at all`)); len(got) != 0 {
		t.Fatalf("unparseable payload must be dropped, got %+v", got)
	}
}
