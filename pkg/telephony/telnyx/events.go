// Package telnyx speaks the Telnyx Call Control API: webhook event decode on
// the way in, REST commands (answer, hangup, messaging) on the way out.
package telnyx

import (
	"encoding/json"
	"fmt"
)

// Event is one decoded webhook event. Exactly one concrete type is produced
// per webhook delivery; event types outside the concierge's interest decode
// to UnknownWebhook so handlers can acknowledge them without branching on raw
// strings.
type Event interface {
	telnyxEvent()
}

// CallInitiated reports an inbound call hitting our number.
type CallInitiated struct {
	CallControlID string
	From          string
	To            string
}

// CallAnswered reports that our answer command took effect.
type CallAnswered struct {
	CallControlID string
}

// CallHangup reports the call ending, from either side.
type CallHangup struct {
	CallControlID string
	Cause         string
}

// MessageReceived reports an inbound SMS to the concierge number.
type MessageReceived struct {
	MessageID string
	From      string
	To        string
	Text      string
}

// UnknownWebhook is any event type the concierge does not act on.
type UnknownWebhook struct {
	Type string
}

func (CallInitiated) telnyxEvent()   {}
func (CallAnswered) telnyxEvent()    {}
func (CallHangup) telnyxEvent()      {}
func (MessageReceived) telnyxEvent() {}
func (UnknownWebhook) telnyxEvent()  {}

type webhookEnvelope struct {
	Data struct {
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
	} `json:"data"`
}

type callPayload struct {
	CallControlID string `json:"call_control_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	HangupCause   string `json:"hangup_cause"`
}

type messagePayload struct {
	ID   string `json:"id"`
	From struct {
		PhoneNumber string `json:"phone_number"`
	} `json:"from"`
	To []struct {
		PhoneNumber string `json:"phone_number"`
	} `json:"to"`
	Text string `json:"text"`
}

// DecodeEvent classifies one webhook body. A malformed body is an error; a
// well-formed body of an uninteresting type is UnknownWebhook, not an error.
func DecodeEvent(body []byte) (Event, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed webhook body: %w", err)
	}
	if envelope.Data.EventType == "" {
		return nil, fmt.Errorf("webhook body missing event_type")
	}

	switch envelope.Data.EventType {
	case "call.initiated":
		var p callPayload
		if err := json.Unmarshal(envelope.Data.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed call.initiated payload: %w", err)
		}
		if p.CallControlID == "" {
			return nil, fmt.Errorf("call.initiated missing call_control_id")
		}
		return CallInitiated{CallControlID: p.CallControlID, From: p.From, To: p.To}, nil

	case "call.answered":
		var p callPayload
		if err := json.Unmarshal(envelope.Data.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed call.answered payload: %w", err)
		}
		return CallAnswered{CallControlID: p.CallControlID}, nil

	case "call.hangup":
		var p callPayload
		if err := json.Unmarshal(envelope.Data.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed call.hangup payload: %w", err)
		}
		return CallHangup{CallControlID: p.CallControlID, Cause: p.HangupCause}, nil

	case "message.received":
		var p messagePayload
		if err := json.Unmarshal(envelope.Data.Payload, &p); err != nil {
			return nil, fmt.Errorf("malformed message.received payload: %w", err)
		}
		ev := MessageReceived{MessageID: p.ID, From: p.From.PhoneNumber, Text: p.Text}
		if len(p.To) > 0 {
			ev.To = p.To[0].PhoneNumber
		}
		return ev, nil

	default:
		return UnknownWebhook{Type: envelope.Data.EventType}, nil
	}
}
