package clinicchat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame type tags sent by the chat server.
const (
	FrameNewMessage       = "newMessage"
	FrameSendConfirmation = "messageSentConfirmation"
	FrameError            = "error"
	FrameInfo             = "info"
	FramePresenceSnapshot = "activeUserList"
	FramePresenceJoined   = "userJoined"
	FramePresenceLeft     = "userLeft"
)

// Event is one typed notification on the transport's event stream: a decoded
// server frame or a connection lifecycle change. The set of variants is
// closed.
type Event interface {
	eventType() string
}

// NewMessage is a message pushed by the server for one of the local user's
// conversations.
type NewMessage struct {
	Message  Message
	Sender   Participant
	Receiver Participant
}

// SendConfirmation echoes a message the local user sent, as stored by the
// server.
type SendConfirmation NewMessage

// ServerError is a chat error reported by the server. It does not affect
// conversation state.
type ServerError struct {
	Message string
	Details json.RawMessage
}

// Info is an informational server notice.
type Info struct {
	Payload json.RawMessage
}

// PresenceSnapshot is the full list of connected users.
type PresenceSnapshot struct {
	Users []Participant
}

// PresenceJoined reports a user that connected.
type PresenceJoined struct {
	User Participant
}

// PresenceLeft reports a user that disconnected.
type PresenceLeft struct {
	UserID string
}

// ConnectionOpened is emitted each time the transport reaches the open state.
type ConnectionOpened struct{}

// ConnectionClosed is emitted when an open or connecting transport closes.
type ConnectionClosed struct {
	Code     int
	Reason   string
	Retrying bool
	// Attempt is the number of consecutive abnormal closures so far.
	Attempt int
}

func (NewMessage) eventType() string       { return FrameNewMessage }
func (SendConfirmation) eventType() string { return FrameSendConfirmation }
func (ServerError) eventType() string      { return FrameError }
func (Info) eventType() string             { return FrameInfo }
func (PresenceSnapshot) eventType() string { return FramePresenceSnapshot }
func (PresenceJoined) eventType() string   { return FramePresenceJoined }
func (PresenceLeft) eventType() string     { return FramePresenceLeft }
func (ConnectionOpened) eventType() string { return "open" }
func (ConnectionClosed) eventType() string { return "close" }

type frameEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeFrame parses one incoming frame into its event variant. Errors wrap
// ErrUnknownFrame or ErrMalformedFrame.
func DecodeFrame(data []byte) (Event, error) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	ev, err := decodePayload(env.Type, env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, env.Type, err)
	}
	if ev == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
	return ev, nil
}

func decodePayload(typ string, payload json.RawMessage) (Event, error) {
	switch typ {
	case FrameNewMessage, FrameSendConfirmation:
		var w wireMessage
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, err
		}
		if err := w.validate(); err != nil {
			return nil, err
		}
		sender, receiver := w.participants()
		ev := NewMessage{Message: w.message(), Sender: sender, Receiver: receiver}
		if typ == FrameSendConfirmation {
			return SendConfirmation(ev), nil
		}
		return ev, nil

	case FrameError:
		var p struct {
			Message string          `json:"message"`
			Details json.RawMessage `json:"details"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return ServerError{Message: p.Message, Details: p.Details}, nil

	case FrameInfo:
		return Info{Payload: payload}, nil

	case FramePresenceSnapshot:
		users, err := decodeUserList(payload)
		if err != nil {
			return nil, err
		}
		return PresenceSnapshot{Users: users}, nil

	case FramePresenceJoined:
		var p Participant
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		if p.ID == "" {
			return nil, fmt.Errorf("participant has no id")
		}
		return PresenceJoined{User: p}, nil

	case FramePresenceLeft:
		var p struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("missing userId")
		}
		return PresenceLeft{UserID: p.UserID}, nil
	}
	return nil, nil
}

// decodeUserList accepts a bare array or an object wrapping it in `users`.
func decodeUserList(payload json.RawMessage) ([]Participant, error) {
	var users []Participant
	if err := json.Unmarshal(payload, &users); err == nil {
		return users, nil
	}
	var wrapped struct {
		Users []Participant `json:"users"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Users, nil
}

// OutgoingMessage is the only client-to-server frame.
type OutgoingMessage struct {
	ReceiverID string `json:"receiverId"`
	Text       string `json:"text"`
}

// EncodeOutgoing validates and serialises an outgoing message. Text is sent
// trimmed.
func EncodeOutgoing(msg OutgoingMessage) ([]byte, error) {
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return nil, ErrEmptyText
	}
	if msg.ReceiverID == "" {
		return nil, ErrNoReceiver
	}
	return json.Marshal(msg)
}
