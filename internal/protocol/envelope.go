// Package protocol defines the messages exchanged between the registry and
// client agents over the bus, and the strict decoding rules applied to them.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ResponseToIncoming is used as response_to when the incoming message could
// not be decoded far enough to know its action.
const ResponseToIncoming = "incoming_message"

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ErrRemote is wrapped by errors built from error responses.
var ErrRemote = errors.New("protocol: remote error")

// Request is the envelope of every action message.
type Request struct {
	Action  Action          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// Response is the envelope of every reply.
type Response struct {
	ResponseTo string          `json:"response_to"`
	Status     string          `json:"status"`
	Msg        string          `json:"msg"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps a payload in a request envelope.
func Encode(p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", p.Action(), err)
	}
	return json.Marshal(Request{Action: p.Action(), Payload: raw})
}

// Decode extracts the action, decodes its payload strictly and validates it.
func Decode(data []byte) (Payload, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if req.Action == "" {
		return nil, fmt.Errorf("message has no action")
	}
	newPayload, ok := registry[req.Action]
	if !ok {
		return nil, fmt.Errorf("unknown action %q", req.Action)
	}
	p := newPayload()
	body := req.Payload
	if len(body) == 0 || string(body) == "null" {
		body = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", req.Action, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", req.Action, err)
	}
	return p, nil
}

// Success builds a success response with an optional payload.
func Success(to Action, msg string, payload any) Response {
	resp := Response{ResponseTo: string(to), Status: StatusSuccess, Msg: msg}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Failure(string(to), fmt.Sprintf("encode response payload: %v", err))
		}
		resp.Payload = raw
	}
	return resp
}

// Failure builds an error response.
func Failure(to string, msg string) Response {
	return Response{ResponseTo: to, Status: StatusError, Msg: msg}
}

// Bytes encodes the response. Encoding a Response cannot fail.
func (r Response) Bytes() []byte {
	data, _ := json.Marshal(r)
	return data
}

// OK reports whether the response carries a success status.
func (r Response) OK() bool {
	return r.Status == StatusSuccess
}

// Err returns nil for success responses and an error wrapping ErrRemote
// otherwise.
func (r Response) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w: %s: %s", ErrRemote, r.ResponseTo, r.Msg)
}

// DecodePayload decodes the response payload into v.
func (r Response) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("protocol: %s response has no payload", r.ResponseTo)
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s response: %w", r.ResponseTo, err)
	}
	return nil
}

// DecodeResponse parses a reply envelope.
func DecodeResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("protocol: malformed response: %w", err)
	}
	if r.Status != StatusSuccess && r.Status != StatusError {
		return Response{}, fmt.Errorf("protocol: response has invalid status %q", r.Status)
	}
	return r, nil
}
