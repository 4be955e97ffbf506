package websocket

import (
	"context"
	"encoding/json"
	"time"

	"chat-server/internal/dispatch"
	"chat-server/internal/models"
	"chat-server/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	pongWait      = 60 * time.Second
	pingPeriod    = 54 * time.Second
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// Client is one live websocket connection for an authenticated identity. It
// implements registry.Conn; all inbound events flow through the dispatcher.
type Client struct {
	conn       *websocket.Conn
	send       chan *models.Event
	done       chan struct{}
	identity   string
	sessionID  string
	dispatcher *dispatch.Dispatcher
	limiter    *rate.Limiter
}

func NewClient(conn *websocket.Conn, identity string, dispatcher *dispatch.Dispatcher, eventRate float64, eventBurst int) *Client {
	return &Client{
		conn:       conn,
		send:       make(chan *models.Event, sendQueueSize),
		done:       make(chan struct{}),
		identity:   identity,
		sessionID:  uuid.NewString(),
		dispatcher: dispatcher,
		limiter:    rate.NewLimiter(rate.Limit(eventRate), eventBurst),
	}
}

func (c *Client) ID() string       { return c.sessionID }
func (c *Client) Identity() string { return c.identity }

// Deliver enqueues an event without blocking. A saturated queue drops the
// event; the caller treats that as a failed best-effort delivery.
func (c *Client) Deliver(ev *models.Event) bool {
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.dispatcher.Disconnect(c)
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error for %s: %v", c.identity, err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError("", "rate limit exceeded")
			continue
		}

		var ev models.ClientEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.sendError("", "malformed event")
			continue
		}
		c.handle(&ev)
	}
}

func (c *Client) handle(ev *models.ClientEvent) {
	ctx := context.Background()

	switch ev.Type {
	case models.ClientSendMessage:
		ref, err := c.dispatcher.ResolveConversation(ctx, ev.Target)
		if err != nil {
			c.sendError(ev.Type, err.Error())
			return
		}
		if _, err := c.dispatcher.SendMessage(ctx, c.identity, ref, ev.Text, ev.ImageRef); err != nil {
			c.sendError(ev.Type, err.Error())
		}

	case models.ClientMarkSeen:
		if _, err := c.dispatcher.MarkSeen(ctx, c.identity, ev.MessageID); err != nil {
			c.sendError(ev.Type, err.Error())
		}

	case models.ClientTypingSignal:
		ref, err := models.ParseRoomID(ev.ChatKey)
		if err != nil {
			c.sendError(ev.Type, err.Error())
			return
		}
		if err := c.dispatcher.Typing(ctx, c.identity, ref); err != nil {
			c.sendError(ev.Type, err.Error())
		}

	case models.ClientTypingStop:
		ref, err := models.ParseRoomID(ev.ChatKey)
		if err != nil {
			c.sendError(ev.Type, err.Error())
			return
		}
		c.dispatcher.StopTyping(c.identity, ref)

	case models.ClientJoinRoom:
		ref, err := models.ParseRoomID(ev.RoomID)
		if err != nil {
			c.sendError(ev.Type, err.Error())
			return
		}
		if err := c.dispatcher.JoinRoom(ctx, c, ref); err != nil {
			c.sendError(ev.Type, err.Error())
		}

	case models.ClientLeaveRoom:
		ref, err := models.ParseRoomID(ev.RoomID)
		if err != nil {
			c.sendError(ev.Type, err.Error())
			return
		}
		c.dispatcher.LeaveRoom(c, ref)

	case models.ClientClearUnread:
		ref, err := models.ParseRoomID(ev.ChatKey)
		if err != nil {
			c.sendError(ev.Type, err.Error())
			return
		}
		if err := c.dispatcher.ClearUnread(ctx, c.identity, ref); err != nil {
			c.sendError(ev.Type, err.Error())
		}

	default:
		c.sendError(ev.Type, "unknown event type")
	}
}

func (c *Client) sendError(about, detail string) {
	ev := models.NewEvent(models.EventError)
	ev.ChatKey = about
	ev.Detail = detail
	c.Deliver(ev)
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				logger.Error("Write error for %s: %v", c.identity, err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
