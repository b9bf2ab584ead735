// Package protocol defines the guest socket wire format: JSON frames with a
// type tag, decoded once into a typed message at the boundary. Handlers never
// look at raw maps.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// ---- client -> server ----

type ClientConnect struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type ClientAuth struct {
	Type          string `json:"type"`
	PropertyID    string `json:"property_id,omitempty"`
	GuestName     string `json:"guest_name,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
	Phone         string `json:"phone,omitempty"`
	SystemPrompt  string `json:"system_prompt,omitempty"`
}

type ClientStartCall struct {
	Type       string `json:"type"`
	PropertyID string `json:"property_id,omitempty"`
}

type ClientEndCall struct {
	Type string `json:"type"`
}

type ClientAudioChunk struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

// ClientSTTResult carries a finalized device-side transcription. During an
// active call it is forwarded into the call; otherwise it runs the text path.
type ClientSTTResult struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type ClientTextMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientConfigureTools struct {
	Type  string          `json:"type"`
	Tools map[string]bool `json:"tools"`
}

type ClientUpdateGuestName struct {
	Type      string `json:"type"`
	GuestName string `json:"guest_name"`
}

type ClientUpdateSystemPrompt struct {
	Type         string `json:"type"`
	SystemPrompt string `json:"system_prompt"`
}

type ClientDisconnect struct {
	Type string `json:"type"`
}

// DecodeClientMessage classifies one socket frame. Unknown types and missing
// required fields are DecodeErrors; the session answers with an error frame
// and keeps the connection open.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "connect":
		var msg ClientConnect
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid connect frame", "")
		}
		if strings.TrimSpace(msg.Token) == "" {
			return nil, badRequest("connect.token is required", "token")
		}
		return msg, nil
	case "auth":
		var msg ClientAuth
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid auth frame", "")
		}
		return msg, nil
	case "start_call":
		var msg ClientStartCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start_call frame", "")
		}
		return msg, nil
	case "end_call":
		return ClientEndCall{Type: typ}, nil
	case "audio_chunk_to_server":
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_chunk_to_server frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_chunk_to_server.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "stt_result":
		var msg ClientSTTResult
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stt_result frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("stt_result.text is required", "text")
		}
		return msg, nil
	case "text_message_from_user":
		var msg ClientTextMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid text_message_from_user frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("text_message_from_user.text is required", "text")
		}
		return msg, nil
	case "configure_tools":
		var msg ClientConfigureTools
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid configure_tools frame", "")
		}
		if msg.Tools == nil {
			return nil, badRequest("configure_tools.tools is required", "tools")
		}
		return msg, nil
	case "update_guest_name":
		var msg ClientUpdateGuestName
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid update_guest_name frame", "")
		}
		if strings.TrimSpace(msg.GuestName) == "" {
			return nil, badRequest("update_guest_name.guest_name is required", "guest_name")
		}
		return msg, nil
	case "update_system_prompt":
		var msg ClientUpdateSystemPrompt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid update_system_prompt frame", "")
		}
		return msg, nil
	case "user_disconnect":
		return ClientDisconnect{Type: typ}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ---- server -> client ----

type ServerConnectionSuccess struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	GuestName string `json:"guest_name,omitempty"`
}

type ServerConnectionError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerAuthSuccess struct {
	Type string `json:"type"`
}

type ServerAuthError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerCallStarted struct {
	Type       string `json:"type"`
	PropertyID string `json:"property_id,omitempty"`
}

type ServerCallError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerCallEnded struct {
	Type string `json:"type"`
}

type ServerAudioChunk struct {
	Type    string `json:"type"`
	DataB64 string `json:"data_b64"`
}

type ServerTextMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// RAGResult is one knowledge fragment echoed to the client before the answer.
type RAGResult struct {
	Text       string  `json:"text"`
	Similarity float32 `json:"similarity"`
}

type ServerRAGResults struct {
	Type    string      `json:"type"`
	Query   string      `json:"query"`
	Results []RAGResult `json:"results"`
}

type ServerToolsConfigured struct {
	Type  string          `json:"type"`
	Tools map[string]bool `json:"tools"`
}

type ServerGuestNameUpdated struct {
	Type      string `json:"type"`
	GuestName string `json:"guest_name"`
}

type ServerGuestNameUpdateError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ServerSystemPromptUpdated struct {
	Type string `json:"type"`
}

type ServerGeneralError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

func ConnectionSuccess(sessionID, guestName string) ServerConnectionSuccess {
	return ServerConnectionSuccess{Type: "connection_success", SessionID: sessionID, GuestName: guestName}
}

func ConnectionError(code, message string) ServerConnectionError {
	return ServerConnectionError{Type: "connection_error", Code: code, Message: message}
}

func AuthSuccess() ServerAuthSuccess {
	return ServerAuthSuccess{Type: "auth_success"}
}

func AuthError(code, message string) ServerAuthError {
	return ServerAuthError{Type: "auth_error", Code: code, Message: message}
}

func CallStarted(propertyID string) ServerCallStarted {
	return ServerCallStarted{Type: "call_started", PropertyID: propertyID}
}

func CallError(code, message string) ServerCallError {
	return ServerCallError{Type: "call_error", Code: code, Message: message}
}

func CallEnded() ServerCallEnded {
	return ServerCallEnded{Type: "call_ended"}
}

func AudioChunk(dataB64 string) ServerAudioChunk {
	return ServerAudioChunk{Type: "audio_chunk_to_client", DataB64: dataB64}
}

func TextMessage(text string, isFinal bool) ServerTextMessage {
	return ServerTextMessage{Type: "text_message_from_ai", Text: text, IsFinal: isFinal}
}

func RAGResults(query string, results []RAGResult) ServerRAGResults {
	return ServerRAGResults{Type: "rag_results", Query: query, Results: results}
}

func ToolsConfigured(tools map[string]bool) ServerToolsConfigured {
	return ServerToolsConfigured{Type: "tools_configured", Tools: tools}
}

func GuestNameUpdated(name string) ServerGuestNameUpdated {
	return ServerGuestNameUpdated{Type: "guest_name_updated", GuestName: name}
}

func GuestNameUpdateError(message string) ServerGuestNameUpdateError {
	return ServerGuestNameUpdateError{Type: "guest_name_update_error", Message: message}
}

func SystemPromptUpdated() ServerSystemPromptUpdated {
	return ServerSystemPromptUpdated{Type: "system_prompt_updated"}
}

func GeneralError(code, message string, close bool) ServerGeneralError {
	return ServerGeneralError{Type: "error", Code: code, Message: message, Close: close}
}
