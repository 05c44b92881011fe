package gateway

import (
	"errors"

	"github.com/eldtechnologies/pairchat/internal/identity"
	"github.com/eldtechnologies/pairchat/internal/models"
	"github.com/eldtechnologies/pairchat/internal/roomkey"
	"github.com/eldtechnologies/pairchat/internal/router"
	"github.com/eldtechnologies/pairchat/internal/session"
	"github.com/eldtechnologies/pairchat/internal/store"
)

// Inbound frame types.
const (
	TypeBind    = "bind"
	TypeJoin    = "join"
	TypeLeave   = "leave"
	TypeSend    = "send"
	TypeTyping  = "typing"
	TypeRead    = "read"
	TypeHistory = "history"
)

// Outbound frame types. Live events reuse the models.EventType names, and
// history replies reuse TypeHistory.
const (
	TypeBound    = "bound"
	TypeJoined   = "joined"
	TypeLeft     = "left"
	TypeAck      = "ack"
	TypeError    = "error"
	TypeMessage  = string(models.EventMessage)
	TypePresence = string(models.EventPresence)
)

// Error codes carried in error frames.
const (
	CodeInvalidRoomKey   = "INVALID_ROOM_KEY"
	CodeForbidden        = "FORBIDDEN"
	CodeAlreadyBound     = "ALREADY_BOUND"
	CodeNotBound         = "NOT_BOUND"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeUnknownIdentity  = "UNKNOWN_IDENTITY"
	CodeBadFrame         = "BAD_FRAME"
	CodeNotFound         = "NOT_FOUND"
	CodeInternal         = "INTERNAL"
)

var errBadFrame = errors.New("bad frame")

// Inbound is a client frame.
type Inbound struct {
	Type        string             `json:"type"`
	Ref         string             `json:"ref,omitempty"`
	Room        string             `json:"room,omitempty"`
	Peer        string             `json:"peer,omitempty"`
	Identity    string             `json:"identity,omitempty"`
	Content     string             `json:"content,omitempty"`
	ContentType models.ContentType `json:"content_type,omitempty"`
	IsTyping    bool               `json:"is_typing,omitempty"`
	MessageID   string             `json:"message_id,omitempty"`
	After       int64              `json:"after,omitempty"`
	Limit       int                `json:"limit,omitempty"`
}

// Outbound is a server frame: either the reply to an inbound frame or a
// live room event.
type Outbound struct {
	Type      string           `json:"type"`
	Ref       string           `json:"ref,omitempty"`
	Room      string           `json:"room,omitempty"`
	Message   *models.Message  `json:"message,omitempty"`
	Messages  []models.Message `json:"messages,omitempty"`
	HasMore   bool             `json:"has_more,omitempty"`
	From      string           `json:"from,omitempty"`
	IsTyping  *bool            `json:"is_typing,omitempty"`
	Online    *bool            `json:"online,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	Error     *WireError       `json:"error,omitempty"`
}

// WireError describes a failed inbound frame. Retryable errors may succeed
// if the same frame is sent again later.
type WireError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func eventFrame(ev models.Event) Outbound {
	f := Outbound{Type: string(ev.Type), Room: ev.RoomID, From: ev.From}
	switch ev.Type {
	case models.EventMessage:
		f.Message = ev.Message
	case models.EventTyping:
		f.IsTyping = &ev.IsTyping
	case models.EventRead:
		f.MessageID = ev.MessageID
	case models.EventPresence:
		f.Online = &ev.Online
	}
	return f
}

func errorFrame(ref string, err error) Outbound {
	code, retryable := errorCode(err)
	return Outbound{
		Type:  TypeError,
		Ref:   ref,
		Error: &WireError{Code: code, Message: err.Error(), Retryable: retryable},
	}
}

// errorCode maps a domain error onto its wire code.
func errorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, roomkey.ErrInvalidRoomKey):
		return CodeInvalidRoomKey, false
	case errors.Is(err, session.ErrForbidden), errors.Is(err, store.ErrNotReceiver):
		return CodeForbidden, false
	case errors.Is(err, session.ErrAlreadyBound):
		return CodeAlreadyBound, false
	case errors.Is(err, session.ErrNotBound):
		return CodeNotBound, false
	case errors.Is(err, store.ErrUnavailable):
		return CodeStoreUnavailable, true
	case errors.Is(err, identity.ErrUnknownIdentity):
		return CodeUnknownIdentity, false
	case errors.Is(err, store.ErrMessageNotFound):
		return CodeNotFound, false
	case errors.Is(err, errBadFrame), errors.Is(err, router.ErrInvalidMessage):
		return CodeBadFrame, false
	default:
		return CodeInternal, false
	}
}
