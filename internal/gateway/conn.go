package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/pairchat/internal/metrics"
	"github.com/eldtechnologies/pairchat/internal/models"
	"github.com/eldtechnologies/pairchat/internal/roomkey"
	"github.com/eldtechnologies/pairchat/internal/router"
	"github.com/eldtechnologies/pairchat/internal/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Content is the only large field. Oversized content must still reach
	// the router so it is rejected with a frame error, not a closed socket.
	maxFrameBytes = router.MaxEncodedContentBytes + 4096
)

// Conn is one client connection. It implements session.Handle.
//
// Frames from a connection are handled one at a time in arrival order. A
// single writer goroutine drains the outbound queue, so replies and live
// events reach the client in the order they were queued.
type Conn struct {
	id  string
	gw  *Gateway
	ws  *websocket.Conn
	log zerolog.Logger

	out       chan Outbound
	delivered chan *models.Message
	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func newConn(g *Gateway, id string, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:        id,
		gw:        g,
		ws:        ws,
		log:       g.log.With().Str("conn", id).Logger(),
		out:       make(chan Outbound, g.buffer),
		delivered: make(chan *models.Message, g.buffer),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// Deliver queues a live event without blocking. It returns false when the
// queue is full or the connection is closing.
func (c *Conn) Deliver(ev models.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- eventFrame(ev):
		return true
	default:
		return false
	}
}

// reply queues the response to an inbound frame. Unlike live events a
// reply is never dropped; it waits for room in the queue.
func (c *Conn) reply(f Outbound) {
	select {
	case c.out <- f:
	case <-c.done:
	}
}

// close unbinds the connection from the registry before tearing down the
// socket, so fan-out stops targeting it first. Safe to call more than once.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.gw.router.Disconnect(c.id)
		close(c.done)
		c.cancel()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.ws.Close()
	})
}

// serve runs the write pump and the delivery marker in the background and
// the read pump in the caller's goroutine. It returns once all have stopped.
func (c *Conn) serve() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump()
	}()
	go func() {
		defer wg.Done()
		c.markPump()
	}()

	c.readPump()
	c.close()
	wg.Wait()
}

func (c *Conn) readPump() {
	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			metrics.FramesReceived.WithLabelValues("invalid").Inc()
			c.fail("", fmt.Errorf("%w: %v", errBadFrame, err))
			continue
		}
		metrics.FramesReceived.WithLabelValues(frameLabel(in.Type)).Inc()
		c.handle(in)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case f := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
			if f.Type == TypeMessage && f.Message != nil {
				c.queueDelivered(f.Message)
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// queueDelivered hands a written message to markPump. The flag is best
// effort, so a full queue skips it rather than stall the writer.
func (c *Conn) queueDelivered(msg *models.Message) {
	select {
	case c.delivered <- msg:
	default:
		c.log.Debug().Str("message", msg.ID).Msg("delivered queue full, flag skipped")
	}
}

// markPump records delivered flags off the write path.
func (c *Conn) markPump() {
	for {
		select {
		case msg := <-c.delivered:
			identity, err := c.gw.router.Sessions().Identity(c.id)
			if err != nil {
				continue
			}
			c.gw.router.Delivered(c.ctx, identity, msg)
		case <-c.done:
			return
		}
	}
}

func (c *Conn) fail(ref string, err error) {
	f := errorFrame(ref, err)
	metrics.FrameErrors.WithLabelValues(f.Error.Code).Inc()
	if f.Error.Code == CodeInternal {
		c.log.Error().Err(err).Msg("frame failed")
	}
	c.reply(f)
}

func (c *Conn) handle(in Inbound) {
	if in.Type == TypeBind {
		c.bind(in)
		return
	}

	from, err := c.gw.router.Sessions().Identity(c.id)
	if err != nil {
		// Nothing but bind is allowed before an identity is bound.
		c.fail(in.Ref, fmt.Errorf("%w: %w", session.ErrForbidden, err))
		return
	}

	switch in.Type {
	case TypeJoin, TypeLeave, TypeSend, TypeTyping, TypeRead, TypeHistory:
	default:
		c.fail(in.Ref, fmt.Errorf("%w: unknown type %q", errBadFrame, in.Type))
		return
	}

	room, err := c.room(from, in)
	if err != nil {
		c.fail(in.Ref, err)
		return
	}

	switch in.Type {
	case TypeJoin:
		if err := c.gw.router.Join(c.id, room); err != nil {
			c.fail(in.Ref, err)
			return
		}
		c.log.Debug().Str("room", room).Msg("joined")
		c.reply(Outbound{Type: TypeJoined, Ref: in.Ref, Room: room})

	case TypeLeave:
		if err := c.gw.router.Leave(c.id, room); err != nil {
			c.fail(in.Ref, err)
			return
		}
		c.reply(Outbound{Type: TypeLeft, Ref: in.Ref, Room: room})

	case TypeSend:
		msg, err := c.gw.router.SendMessage(c.ctx, from, room, in.Content, in.ContentType)
		if err != nil {
			c.fail(in.Ref, err)
			return
		}
		c.reply(Outbound{Type: TypeAck, Ref: in.Ref, Room: room, Message: msg})

	case TypeTyping:
		if err := c.gw.router.Typing(c.id, from, room, in.IsTyping); err != nil {
			c.fail(in.Ref, err)
			return
		}
		if in.Ref != "" {
			c.reply(Outbound{Type: TypeAck, Ref: in.Ref, Room: room})
		}

	case TypeRead:
		if in.MessageID == "" {
			c.fail(in.Ref, fmt.Errorf("%w: message_id is required", errBadFrame))
			return
		}
		if err := c.gw.router.Read(c.ctx, c.id, from, room, in.MessageID); err != nil {
			c.fail(in.Ref, err)
			return
		}
		c.reply(Outbound{Type: TypeAck, Ref: in.Ref, Room: room, MessageID: in.MessageID})

	case TypeHistory:
		msgs, hasMore, err := c.gw.router.History(c.ctx, from, room, in.After, in.Limit)
		if err != nil {
			c.fail(in.Ref, err)
			return
		}
		c.reply(Outbound{Type: TypeHistory, Ref: in.Ref, Room: room, Messages: msgs, HasMore: hasMore})
	}
}

func (c *Conn) bind(in Inbound) {
	ctx, cancel := context.WithTimeout(c.ctx, writeWait)
	defer cancel()

	id, err := c.gw.resolver.Resolve(ctx, in.Identity)
	if err != nil {
		c.fail(in.Ref, err)
		return
	}
	if err := c.gw.router.Bind(c, id); err != nil {
		c.fail(in.Ref, err)
		return
	}
	c.log.Info().Str("identity", id).Msg("bound")
	c.reply(Outbound{Type: TypeBound, Ref: in.Ref, From: id})
}

// room returns the frame's room id, deriving it from the peer handle when
// only a peer is given.
func (c *Conn) room(from string, in Inbound) (string, error) {
	if in.Room != "" {
		return in.Room, nil
	}
	if in.Peer == "" {
		return "", fmt.Errorf("%w: room or peer is required", errBadFrame)
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeWait)
	defer cancel()
	peer, err := c.gw.resolver.Resolve(ctx, in.Peer)
	if err != nil {
		return "", err
	}
	return roomkey.Derive(from, peer)
}

func frameLabel(t string) string {
	switch t {
	case TypeBind, TypeJoin, TypeLeave, TypeSend, TypeTyping, TypeRead, TypeHistory:
		return t
	default:
		return "unknown"
	}
}
