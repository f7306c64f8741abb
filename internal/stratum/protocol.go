// Package stratum implements the Stratum-dialect JSON-RPC 2.0 server this
// mining client exposes to external ASIC miners: session lifecycle,
// Nonce1 assignment, job distribution, share validation, and dynamic
// difficulty, per §4.4 of the mining coordination design.
package stratum

import (
	"encoding/json"
	"fmt"
)

// Message is a line-delimited JSON-RPC 2.0 message. Exactly one of
// Method (request/notification) or Result/Error (response) is populated.
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response: [code, message, data].
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// MarshalJSON encodes Error as the 3-element array Stratum clients expect
// rather than as a JSON object.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Code, e.Message, e.Data})
}

// UnmarshalJSON decodes the [code, message, data] array form that
// MarshalJSON produces.
func (e *Error) UnmarshalJSON(b []byte) error {
	return json.Unmarshal(b, &[]any{&e.Code, &e.Message, &e.Data})
}

// Stratum error codes, stable per §6.
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
)

// maxLineSize is the per-line cap (§4.4): lines larger than this drop the
// session.
const maxLineSize = 8 * 1024

// SubscribeRequest is the parsed params of a mining.subscribe call.
type SubscribeRequest struct {
	Agent string
}

// SubscribeResult is the 3-element mining.subscribe result:
// [[["mining.notify", subId]], nonce1_hex, nonce2_size].
type SubscribeResult struct {
	Subscriptions [][2]string
	Nonce1Hex     string
	Nonce2Size    int
}

// MarshalJSON encodes SubscribeResult as the positional array clients
// expect.
func (r SubscribeResult) MarshalJSON() ([]byte, error) {
	subs := make([][]string, len(r.Subscriptions))
	for i, s := range r.Subscriptions {
		subs[i] = []string{s[0], s[1]}
	}
	return json.Marshal([]any{subs, r.Nonce1Hex, r.Nonce2Size})
}

// AuthorizeRequest is the parsed params of a mining.authorize call.
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest is the parsed params of a mining.submit call: worker name,
// job id, and hex Nonce2.
type SubmitRequest struct {
	Worker  string
	JobID   string
	Nonce2  string
}

// ParseMessage parses one line-delimited JSON-RPC message.
func ParseMessage(line []byte) (*Message, error) {
	if len(line) > maxLineSize {
		return nil, fmt.Errorf("stratum: line exceeds %d bytes", maxLineSize)
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("stratum: invalid JSON: %w", err)
	}
	return &msg, nil
}

// ParseMessageInto parses line into a caller-supplied Message, avoiding the
// allocation ParseMessage makes on every call. The session read loop uses
// this with a pooled Message (GetMessage/PutMessage) since it runs once per
// line on every connection.
func ParseMessageInto(line []byte, msg *Message) error {
	if len(line) > maxLineSize {
		return fmt.Errorf("stratum: line exceeds %d bytes", maxLineSize)
	}
	if err := json.Unmarshal(line, msg); err != nil {
		return fmt.Errorf("stratum: invalid JSON: %w", err)
	}
	return nil
}

// MarshalMessage serializes a Message to its wire JSON (without the
// trailing newline delimiter; callers append it).
func MarshalMessage(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// NewResponse builds a successful response message.
func NewResponse(id any, result any) *Message {
	return &Message{ID: id, Result: result}
}

// NewErrorResponse builds an error response message.
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{ID: id, Error: &Error{Code: code, Message: message}}
}

// NewNotification builds a server-initiated notification (id is always
// null per §6).
func NewNotification(method string, params []any) *Message {
	return &Message{ID: nil, Method: method, Params: params}
}

// IsRequest reports whether msg is a client request expecting a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// ParseSubscribeRequest parses mining.subscribe params: [agent].
func ParseSubscribeRequest(params []any) (SubscribeRequest, error) {
	var req SubscribeRequest
	if len(params) >= 1 {
		if s, ok := params[0].(string); ok {
			req.Agent = s
		}
	}
	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize params: [user, pass].
func ParseAuthorizeRequest(params []any) (AuthorizeRequest, error) {
	if len(params) < 1 {
		return AuthorizeRequest{}, fmt.Errorf("stratum: mining.authorize requires at least 1 param")
	}
	req := AuthorizeRequest{}
	if s, ok := params[0].(string); ok {
		req.Username = s
	} else {
		return req, fmt.Errorf("stratum: mining.authorize username must be a string")
	}
	if len(params) > 1 {
		if s, ok := params[1].(string); ok {
			req.Password = s
		}
	}
	return req, nil
}

// ParseSubmitRequest parses mining.submit params: [worker, job_id, nonce2].
func ParseSubmitRequest(params []any) (SubmitRequest, error) {
	if len(params) < 3 {
		return SubmitRequest{}, fmt.Errorf("stratum: mining.submit requires 3 params")
	}
	worker, ok := params[0].(string)
	if !ok {
		return SubmitRequest{}, fmt.Errorf("stratum: worker must be a string")
	}
	jobID, ok := params[1].(string)
	if !ok {
		return SubmitRequest{}, fmt.Errorf("stratum: job_id must be a string")
	}
	nonce2, ok := params[2].(string)
	if !ok {
		return SubmitRequest{}, fmt.Errorf("stratum: nonce2 must be a string")
	}
	return SubmitRequest{Worker: worker, JobID: jobID, Nonce2: nonce2}, nil
}

// NotifyParams builds the positional params of mining.notify:
// [job_id, work_prefix_hex, target_hex, clean_jobs]. work_prefix_hex is
// the hex-encoded Work template (Nonce1 already spliced in, Nonce2 bytes
// zero) so the client only has to vary its own suffix.
func NotifyParams(jobID, workHex, targetHex string, cleanJobs bool) []any {
	return []any{jobID, workHex, targetHex, cleanJobs}
}

// DifficultyEncoding selects how mining.set_difficulty encodes a session
// target, per the resolved open question in §10: some deployments expect
// a scalar "pdiff" number, others the raw 32-byte target as hex.
type DifficultyEncoding int

const (
	// EncodingPdiff sends ceil(log2(2^256 / target)) as a JSON number.
	EncodingPdiff DifficultyEncoding = iota
	// EncodingTargetHex sends the 32-byte target as a lowercase hex string.
	EncodingTargetHex
)
