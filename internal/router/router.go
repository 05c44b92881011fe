// Package router authorizes inbound room events, persists messages, and fans
// events out to the sessions joined to a room.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/pairchat/internal/metrics"
	"github.com/eldtechnologies/pairchat/internal/models"
	"github.com/eldtechnologies/pairchat/internal/roomkey"
	"github.com/eldtechnologies/pairchat/internal/session"
	"github.com/eldtechnologies/pairchat/internal/store"
)

// MaxContentBytes bounds a message body. File messages carry a reference,
// so the same limit applies.
const MaxContentBytes = 8192

// MaxEncodedContentBytes bounds MaxContentBytes of content after JSON
// escaping, where a single byte can become a six-byte \u00XX sequence.
const MaxEncodedContentBytes = 6 * MaxContentBytes

// ErrInvalidMessage is returned for empty, oversized, or mistyped content.
var ErrInvalidMessage = errors.New("invalid message")

// Config tunes the router.
type Config struct {
	StoreTimeout    time.Duration // per store call
	HistoryMaxLimit int
}

// Router is safe for concurrent use by every connection worker.
type Router struct {
	store    store.MessageStore
	sessions *session.Registry
	log      zerolog.Logger
	cfg      Config
	rooms    *keyedMutex
}

// New creates a router over st and reg.
func New(st store.MessageStore, reg *session.Registry, logger zerolog.Logger, cfg Config) *Router {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.HistoryMaxLimit <= 0 {
		cfg.HistoryMaxLimit = 200
	}
	return &Router{
		store:    st,
		sessions: reg,
		log:      logger.With().Str("component", "router").Logger(),
		cfg:      cfg,
		rooms:    newKeyedMutex(),
	}
}

// Sessions returns the registry the router fans out through.
func (r *Router) Sessions() *session.Registry {
	return r.sessions
}

// Bind binds a connection to identity.
func (r *Router) Bind(h session.Handle, identity string) error {
	return r.sessions.Bind(h, identity)
}

// Join adds the connection to roomID and tells the other members it is
// online.
func (r *Router) Join(connID, roomID string) error {
	identity, err := r.sessions.Identity(connID)
	if err != nil {
		return err
	}
	if err := r.sessions.Join(connID, roomID); err != nil {
		return err
	}
	r.fanout(models.Event{Type: models.EventPresence, RoomID: roomID, From: identity, Online: true}, connID)
	return nil
}

// Leave removes the connection from roomID.
func (r *Router) Leave(connID, roomID string) error {
	identity, err := r.sessions.Identity(connID)
	if err != nil {
		return err
	}
	if err := r.sessions.Leave(connID, roomID); err != nil {
		return err
	}
	r.fanout(models.Event{Type: models.EventPresence, RoomID: roomID, From: identity, Online: false}, connID)
	return nil
}

// Disconnect unbinds the connection and announces it offline in every room
// it had joined.
func (r *Router) Disconnect(connID string) {
	identity, err := r.sessions.Identity(connID)
	if err != nil {
		return
	}
	for _, roomID := range r.sessions.Unbind(connID) {
		r.fanout(models.Event{Type: models.EventPresence, RoomID: roomID, From: identity, Online: false}, connID)
	}
}

// SendMessage persists a message from identity to roomID and fans it out
// to every joined session, the sender's own included. Nothing is fanned out
// unless the append succeeded.
func (r *Router) SendMessage(ctx context.Context, from, roomID, content string, contentType models.ContentType) (*models.Message, error) {
	if err := session.Authorize(roomID, from); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = models.ContentText
	}
	if err := validateContent(content, contentType); err != nil {
		return nil, err
	}
	to, err := roomkey.Peer(roomID, from)
	if err != nil {
		return nil, err
	}

	// Holding the room lock from append through enqueue keeps every
	// recipient's queue in sequence order.
	unlock := r.rooms.Lock(roomID)
	defer unlock()

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	start := time.Now()
	msg, err := r.store.Append(sctx, roomID, from, to, content, contentType)
	metrics.StoreLatency.WithLabelValues("append").Observe(time.Since(start).Seconds())
	if err != nil {
		err = storeError(err)
		if errors.Is(err, store.ErrUnavailable) {
			metrics.StoreFailures.WithLabelValues("append").Inc()
			r.log.Error().Err(err).Str("room", roomID).Msg("append failed")
		}
		return nil, err
	}
	metrics.MessagesPersisted.WithLabelValues(string(contentType)).Inc()

	r.fanout(models.Event{Type: models.EventMessage, RoomID: roomID, From: from, Message: msg}, "")
	return msg, nil
}

// Typing relays a typing signal to the other sessions in the room. It is
// never persisted.
func (r *Router) Typing(connID, from, roomID string, isTyping bool) error {
	if err := session.Authorize(roomID, from); err != nil {
		return err
	}
	r.fanout(models.Event{Type: models.EventTyping, RoomID: roomID, From: from, IsTyping: isTyping}, connID)
	return nil
}

// Read marks messageID read and relays the receipt to the other sessions in
// the room. Only the message's receiver may mark it read.
func (r *Router) Read(ctx context.Context, connID, from, roomID, messageID string) error {
	if err := session.Authorize(roomID, from); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	if err := r.store.MarkRead(sctx, roomID, messageID, from); err != nil {
		if errors.Is(err, store.ErrNotReceiver) {
			return fmt.Errorf("%w: %w", session.ErrForbidden, err)
		}
		return storeError(err)
	}

	r.fanout(models.Event{Type: models.EventRead, RoomID: roomID, From: from, MessageID: messageID}, connID)
	return nil
}

// Delivered records that msg reached a connection bound to identity. Only
// the receiver's connections count. Failures are logged, not returned.
func (r *Router) Delivered(ctx context.Context, identity string, msg *models.Message) {
	if msg == nil || msg.Delivered || msg.ReceiverID != identity {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()
	if err := r.store.MarkDelivered(sctx, msg.RoomID, msg.ID); err != nil {
		r.log.Warn().Err(err).Str("room", msg.RoomID).Str("message", msg.ID).Msg("mark delivered failed")
	}
}

// History returns up to limit messages after afterSeq and whether more
// follow.
func (r *Router) History(ctx context.Context, from, roomID string, afterSeq int64, limit int) ([]models.Message, bool, error) {
	if err := session.Authorize(roomID, from); err != nil {
		return nil, false, err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > r.cfg.HistoryMaxLimit {
		limit = r.cfg.HistoryMaxLimit
	}
	if afterSeq < 0 {
		afterSeq = 0
	}

	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	start := time.Now()
	// +1 for has_more check
	msgs, err := r.store.ListSince(sctx, roomID, afterSeq, limit+1)
	metrics.StoreLatency.WithLabelValues("list").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, false, storeError(err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// Conversations lists identity's rooms, most recently active first.
func (r *Router) Conversations(ctx context.Context, identity string, limit int) ([]models.Conversation, error) {
	if limit <= 0 || limit > r.cfg.HistoryMaxLimit {
		limit = r.cfg.HistoryMaxLimit
	}
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StoreTimeout)
	defer cancel()

	convs, err := r.store.Conversations(sctx, identity, limit)
	if err != nil {
		return nil, storeError(err)
	}
	return convs, nil
}

// fanout queues ev for every member of the room except skipConn. Full or
// closed recipients lose the event; persisted messages are recovered
// through history.
func (r *Router) fanout(ev models.Event, skipConn string) {
	for _, h := range r.sessions.MembersOf(ev.RoomID) {
		if skipConn != "" && h.ID() == skipConn {
			continue
		}
		if h.Deliver(ev) {
			metrics.EventsFannedOut.WithLabelValues(string(ev.Type)).Inc()
			continue
		}
		metrics.FanoutDropped.WithLabelValues(string(ev.Type)).Inc()
		r.log.Debug().
			Str("conn", h.ID()).
			Str("room", ev.RoomID).
			Str("type", string(ev.Type)).
			Msg("recipient queue full, event dropped")
	}
}

func validateContent(content string, contentType models.ContentType) error {
	if !contentType.Valid() {
		return fmt.Errorf("%w: unknown content type %q", ErrInvalidMessage, contentType)
	}
	if content == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("%w: content too long (max %d bytes)", ErrInvalidMessage, MaxContentBytes)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidMessage)
	}
	return nil
}

// storeError folds timeouts into store.ErrUnavailable so callers see a
// single retryable error.
func storeError(err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}
