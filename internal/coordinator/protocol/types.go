package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Method names exchanged with the coordinator.
const (
	MethodAuthRequest      = "auth_request"
	MethodAuthChallenge    = "auth_challenge"
	MethodAuthVerify       = "auth_verify"
	MethodError            = "error"
	MethodPing             = "ping"
	MethodPong             = "pong"
	MethodCreateAppSession = "create_app_session"
	MethodCloseAppSession  = "close_app_session"
	MethodGetAppSessions   = "get_app_sessions"
	MethodAppSessionUpdate = "asu"
	MethodBalanceUpdate    = "bu"
)

// Payload is the signed body of a frame: [request_id, method, params, timestamp].
type Payload struct {
	RequestID uint64
	Method    string
	Params    json.RawMessage
	Timestamp uint64
}

// NewPayload builds a request payload. Params are wrapped into a JSON array;
// no params yields an empty array.
func NewPayload(id uint64, method string, ts time.Time, params ...any) (Payload, error) {
	if strings.TrimSpace(method) == "" {
		return Payload{}, errors.New("method is required")
	}
	list := params
	if list == nil {
		list = []any{}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return Payload{}, fmt.Errorf("encode %s params: %w", method, err)
	}
	return Payload{
		RequestID: id,
		Method:    method,
		Params:    raw,
		Timestamp: uint64(ts.UnixMilli()),
	}, nil
}

// CanonicalBytes returns the deterministic signing form of the payload.
// Object keys are sorted and numbers keep their original text.
func (p Payload) CanonicalBytes() ([]byte, error) {
	params, err := Canonicalize(p.Params)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{p.RequestID, p.Method, json.RawMessage(params), p.Timestamp})
}

// MarshalJSON emits the canonical form so the signed bytes and the wire bytes
// never diverge.
func (p Payload) MarshalJSON() ([]byte, error) {
	return p.CanonicalBytes()
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("payload must be an array: %w", err)
	}
	if len(parts) != 4 {
		return fmt.Errorf("payload must have 4 elements, got %d", len(parts))
	}
	var out Payload
	if err := json.Unmarshal(parts[0], &out.RequestID); err != nil {
		return fmt.Errorf("invalid request id: %w", err)
	}
	if err := json.Unmarshal(parts[1], &out.Method); err != nil {
		return fmt.Errorf("invalid method: %w", err)
	}
	out.Params = append(json.RawMessage(nil), parts[2]...)
	if err := json.Unmarshal(parts[3], &out.Timestamp); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	*p = out
	return nil
}

// Canonicalize re-encodes arbitrary JSON deterministically. Empty input is
// treated as an empty array.
func Canonicalize(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("[]"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	if dec.More() {
		return nil, errors.New("canonicalize: trailing data after JSON value")
	}
	return json.Marshal(v)
}

// Request is an outbound frame.
type Request struct {
	Req Payload  `json:"req"`
	Sig []string `json:"sig,omitempty"`
}

// EncodeRequest assembles a request frame around already-canonical payload
// bytes, which keeps the signed bytes identical to the transmitted ones.
func EncodeRequest(canonical []byte, sigs ...string) ([]byte, error) {
	if len(canonical) == 0 {
		return nil, errors.New("request payload is empty")
	}
	return json.Marshal(struct {
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig,omitempty"`
	}{Req: canonical, Sig: sigs})
}

// Response is an inbound frame: a reply or an unsolicited notification.
type Response struct {
	Res Payload  `json:"res"`
	Sig []string `json:"sig,omitempty"`
}

type ErrorResult struct {
	Error string `json:"error"`
}

// ParseResponse decodes an inbound frame.
func ParseResponse(data []byte) (*Response, error) {
	var frame struct {
		Res json.RawMessage `json:"res"`
		Sig []string        `json:"sig"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if len(frame.Res) == 0 {
		return nil, errors.New("frame has no res payload")
	}
	var payload Payload
	if err := json.Unmarshal(frame.Res, &payload); err != nil {
		return nil, err
	}
	return &Response{Res: payload, Sig: frame.Sig}, nil
}

// IsError reports whether the coordinator rejected the request.
func (r *Response) IsError() bool {
	return r.Res.Method == MethodError
}

// ErrorMessage extracts the rejection reason of an error response.
func (r *Response) ErrorMessage() string {
	res, err := DecodeResult[ErrorResult](r.Res.Params)
	if err != nil || res.Error == "" {
		return strings.TrimSpace(string(r.Res.Params))
	}
	return res.Error
}

// DecodeResult decodes a result that is either a bare object or a
// single-element array holding it.
func DecodeResult[T any](raw json.RawMessage) (T, error) {
	var out T
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return out, errors.New("result is empty")
	}
	if trimmed[0] == '[' {
		var list []T
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return out, fmt.Errorf("decode result: %w", err)
		}
		if len(list) == 0 {
			return out, errors.New("result array is empty")
		}
		return list[0], nil
	}
	if err := json.Unmarshal(trimmed, &out); err != nil {
		return out, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}

// Notification is an unsolicited frame handed to subscribers.
type Notification struct {
	Method     string          `json:"method"`
	RequestID  uint64          `json:"requestId,omitempty"`
	Params     json.RawMessage `json:"params"`
	Timestamp  uint64          `json:"timestamp"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

func (r *Response) Notification(receivedAt time.Time) Notification {
	return Notification{
		Method:     r.Res.Method,
		RequestID:  r.Res.RequestID,
		Params:     r.Res.Params,
		Timestamp:  r.Res.Timestamp,
		ReceivedAt: receivedAt,
	}
}
