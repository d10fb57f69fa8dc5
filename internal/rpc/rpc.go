// Package rpc builds and parses the JSON-RPC envelopes of the device
// control protocol. All functions are pure; connection state lives in the
// backend.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// Version is the protocol tag stamped on every outgoing request.
	Version = "2.0"

	// MethodFeedbackEvent is the method carried by unsolicited feedback
	// pushed from the device.
	MethodFeedbackEvent = "xFeedback/Event"
)

// Request is an outgoing protocol request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is a device-reported or locally synthesized protocol error.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("xapi error %d: %s", e.Code, e.Message)
}

// Response pairs 1:1 with a Request by ID. Exactly one of Result and Error
// is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind discriminates the parsed inbound message category.
type Kind int

const (
	// KindResponse correlates to a pending request by id.
	KindResponse Kind = iota
	// KindFeedback is an unsolicited feedback event.
	KindFeedback
)

// Message is one fully parsed inbound protocol message.
type Message struct {
	Kind     Kind
	Response Response
	Params   map[string]any
}

// NewRequest builds the canonical request envelope.
func NewRequest(id string, method string, params any) Request {
	return Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// NewResponse builds a result-carrying response envelope.
func NewResponse(id string, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("marshal result for %q: %w", id, err)
	}
	return Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error-carrying response envelope.
func NewErrorResponse(id string, rerr *Error) Response {
	return Response{JSONRPC: Version, ID: id, Error: rerr}
}

// ParseMessage discriminates a raw inbound payload into a Response or a
// feedback event. Malformed or unroutable input yields an error the caller
// logs and discards; it is never delivered downstream.
func ParseMessage(raw []byte) (Message, error) {
	var probe struct {
		ID     string          `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
		Params map[string]any  `json:"params"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Message{}, fmt.Errorf("malformed message: %w", err)
	}

	switch {
	case probe.Result != nil || probe.Error != nil:
		if probe.ID == "" {
			return Message{}, errors.New("response without id")
		}
		return Message{
			Kind: KindResponse,
			Response: Response{
				JSONRPC: Version,
				ID:      probe.ID,
				Result:  probe.Result,
				Error:   probe.Error,
			},
		}, nil
	case probe.Method == MethodFeedbackEvent:
		return Message{Kind: KindFeedback, Params: probe.Params}, nil
	default:
		return Message{}, fmt.Errorf("unroutable message method %q", probe.Method)
	}
}
