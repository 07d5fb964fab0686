// Package protocol defines the wire protocol spoken between chat clients and
// the WireChat gateway over WebSocket.
//
// All frames are JSON-encoded and share a common envelope with an "action"
// field that determines the body structure.
package protocol

import "encoding/json"

// Action identifies the kind of an envelope. Inbound actions come from
// clients; outbound actions are produced by the gateway.
type Action string

const (
	// Inbound (client → gateway)
	ActionSend  Action = "SEND"
	ActionFetch Action = "FETCH"

	// Outbound (gateway → client)
	ActionNewMessage         Action = "NEW_MESSAGE"
	ActionConversation       Action = "CONVERSATION"
	ActionUnreadConversation Action = "UNREAD_CONVERSATION"
	ActionDeliveryStatus     Action = "DELIVERY_STATUS"
	ActionError              Action = "ERROR"
)

// Envelope is the top-level wire format for all frames.
type Envelope struct {
	Action Action `json:"action"`
	Body   any    `json:"body,omitempty"`
}

// FlexID accepts a JSON string or number and normalizes it to a string.
// Client ids come from an external identity system that has historically
// issued both forms.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(f))
}

// String returns the normalized id.
func (f FlexID) String() string { return string(f) }

// DefaultFetchLimit is applied when a FETCH body omits the limit. It is also
// the server-side ceiling: clients may ask for less, never for more.
const DefaultFetchLimit = 100

// SendRequest is the body of a SEND envelope.
type SendRequest struct {
	ReceiverID FlexID `json:"receiver_id"`
	Text       string `json:"text"`
}

// FetchRequest is the body of a FETCH envelope. MaxTimestamp, when set,
// restricts the result to messages created at or after that instant
// (epoch microseconds).
type FetchRequest struct {
	PartnerID    FlexID `json:"partner_id"`
	MaxTimestamp *int64 `json:"max_timestamp"`
	Limit        int    `json:"limit"`
}

// ChatRecord is the wire form of a stored chat message. CreatedAt is an
// epoch-microseconds timestamp. FullName and ProfileImage carry the sender's
// profile when known; they are presentation hints, not identity.
type ChatRecord struct {
	ID             int64  `json:"id,omitempty"`
	SenderID       string `json:"sender_id"`
	ReceiverID     string `json:"receiver_id"`
	Text           string `json:"text"`
	CreatedAt      int64  `json:"created_at"`
	ConversationID string `json:"conversation_id,omitempty"`
	Delivered      bool   `json:"delivered"`
	FullName       string `json:"full_name,omitempty"`
	ProfileImage   string `json:"profile_image,omitempty"`
}

// ConversationBody is the body of a CONVERSATION envelope: a page of history
// with one partner, newest first.
type ConversationBody struct {
	PartnerID    string       `json:"partner_id"`
	Conversation []ChatRecord `json:"conversation"`
}

// UnreadBody is the body of an UNREAD_CONVERSATION envelope. Exactly one of
// the two fields is populated, depending on the gateway's backlog mode:
// Summary maps partner id → count of undelivered messages; Messages carries
// the undelivered records themselves.
type UnreadBody struct {
	Summary  map[string]int `json:"summary,omitempty"`
	Messages []ChatRecord   `json:"messages,omitempty"`
}

// DeliveryStatusBody is the body of a DELIVERY_STATUS envelope, sent to the
// message sender when delivery acknowledgments are enabled.
type DeliveryStatusBody struct {
	MessageID int64 `json:"message_id,omitempty"`
	Delivered bool  `json:"delivered"`
}

// ErrorBody is the body of an ERROR envelope.
type ErrorBody struct {
	Message string `json:"message"`
}
