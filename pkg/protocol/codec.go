package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorKind classifies a decode failure. All kinds are recoverable: the
// gateway answers with a single ERROR envelope and keeps the connection open.
type ErrorKind int

const (
	// MalformedJSON means the frame was not well-formed JSON.
	MalformedJSON ErrorKind = iota
	// UnknownAction means the action field was absent or not an inbound action.
	UnknownAction
	// InvalidBody means the body did not match the action's payload shape.
	InvalidBody
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedJSON:
		return "malformed_json"
	case UnknownAction:
		return "unknown_action"
	default:
		return "invalid_body"
	}
}

// DecodeError reports why an inbound frame was rejected.
type DecodeError struct {
	Kind ErrorKind
	msg  string
	err  error
}

func (e *DecodeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *DecodeError) Unwrap() error { return e.err }

// Message is the client-facing description, safe to echo in an ERROR envelope.
func (e *DecodeError) Message() string { return e.msg }

func decodeErr(kind ErrorKind, msg string, err error) *DecodeError {
	return &DecodeError{Kind: kind, msg: msg, err: err}
}

// Inbound is the decoded form of a client frame: the validated action plus
// exactly one non-nil payload matching it.
type Inbound struct {
	Action Action
	Send   *SendRequest
	Fetch  *FetchRequest
}

// rawEnvelope defers body parsing until the action is known to be valid.
type rawEnvelope struct {
	Action string          `json:"action"`
	Body   json.RawMessage `json:"body"`
}

// Decode parses and validates a raw client frame. The action is upper-cased
// before matching, and the body is only parsed once the action is accepted.
func Decode(raw []byte) (*Inbound, *DecodeError) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, decodeErr(MalformedJSON, "frame is not valid JSON", err)
	}

	action := Action(strings.ToUpper(strings.TrimSpace(env.Action)))
	switch action {
	case ActionSend:
		var req SendRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return nil, decodeErr(InvalidBody, "problem with chat object format", err)
		}
		if req.ReceiverID == "" {
			return nil, decodeErr(InvalidBody, "receiver_id is required", nil)
		}
		if req.Text == "" {
			return nil, decodeErr(InvalidBody, "text is required", nil)
		}
		return &Inbound{Action: ActionSend, Send: &req}, nil

	case ActionFetch:
		var req FetchRequest
		if err := json.Unmarshal(env.Body, &req); err != nil {
			return nil, decodeErr(InvalidBody, "problem with fetch object format", err)
		}
		if req.PartnerID == "" {
			return nil, decodeErr(InvalidBody, "partner_id is required", nil)
		}
		if req.Limit <= 0 || req.Limit > DefaultFetchLimit {
			req.Limit = DefaultFetchLimit
		}
		return &Inbound{Action: ActionFetch, Fetch: &req}, nil

	case "":
		return nil, decodeErr(UnknownAction, "action is required", nil)
	default:
		return nil, decodeErr(UnknownAction, fmt.Sprintf("unsupported action %q", env.Action), nil)
	}
}

// Encode serializes an outbound envelope. It is total for the body types
// defined in this package: on the (unreachable) marshal failure it degrades
// to an ERROR envelope rather than returning an error.
func Encode(action Action, body any) []byte {
	data, err := json.Marshal(Envelope{Action: action, Body: body})
	if err != nil {
		data, _ = json.Marshal(Envelope{
			Action: ActionError,
			Body:   ErrorBody{Message: "internal encoding error"},
		})
	}
	return data
}
