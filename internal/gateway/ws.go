package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 64 << 10
)

// Frame types.
const (
	FrameSnapshot = "snapshot"
	FrameTyping   = "typing"
	FrameSeen     = "seen"
	FrameSend     = "send"
	FrameSent     = "sent"
	FrameError    = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// OutFrame is a server to client WebSocket message.
type OutFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// InFrame is a client to server WebSocket message.
type InFrame struct {
	Type           string `json:"type"`
	IsTyping       bool   `json:"isTyping,omitempty"`
	MessageType    string `json:"messageType,omitempty"`
	Text           string `json:"text,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// wsConn serializes writes to one WebSocket connection.
type wsConn struct {
	conn *websocket.Conn
	ctx  context.Context
	mu   sync.Mutex
}

func (c *wsConn) write(msgType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(msgType, data)
}

func (c *wsConn) writeFrame(kind string, v any) error {
	data, err := json.Marshal(OutFrame{Type: kind, Data: v})
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *wsConn) writeError(err error) error {
	return c.writeFrame(FrameError, problem{Error: err.Error()})
}

// wsStream lets a streaming service method write frames of one kind.
type wsStream[T any] struct {
	conn *wsConn
	kind string
}

func (s *wsStream[T]) Send(m *T) error { return s.conn.writeFrame(s.kind, m) }
func (s *wsStream[T]) Context() context.Context { return s.conn.ctx }

// serveWS streams chat snapshots and typing events of one chat, and accepts
// typing, seen and send frames from the client.
func (g *Gateway) serveWS(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	viewer := r.URL.Query().Get("viewer")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	c := &wsConn{conn: conn, ctx: ctx}
	defer func() { _ = conn.Close() }()

	var wg sync.WaitGroup
	stream := func(name string, run func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			if err := run(); err != nil && ctx.Err() == nil {
				g.logger.Debug("websocket stream ended", zap.String("stream", name), zap.String("chat_id", chatID), zap.Error(err))
				_ = c.writeError(err)
			}
		}()
	}
	stream("chat", func() error {
		return g.svc.Chats.WatchChat(&api.WatchChatRequest{ChatID: chatID, ViewerID: viewer},
			&wsStream[api.Snapshot]{conn: c, kind: FrameSnapshot})
	})
	if g.svc.Presence != nil {
		stream("typing", func() error {
			return g.svc.Presence.WatchTyping(&api.WatchTypingRequest{ChatID: chatID, ViewerID: viewer},
				&wsStream[api.TypingEvent]{conn: c, kind: FrameTyping})
		})
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.pingLoop(c)
	}()

	g.readLoop(c, chatID, viewer)
	cancel()
	wg.Wait()
}

func (g *Gateway) pingLoop(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			// Unblocks readLoop if the peer never answers the close.
			_ = c.conn.SetReadDeadline(time.Now().Add(writeWait))
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) readLoop(c *wsConn, chatID, viewer string) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in InFrame
		if err := c.conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Debug("websocket read failed", zap.String("chat_id", chatID), zap.Error(err))
			}
			return
		}
		if err := g.handleFrame(c, chatID, viewer, in); err != nil {
			if werr := c.writeError(err); werr != nil {
				return
			}
		}
	}
}

func (g *Gateway) handleFrame(c *wsConn, chatID, viewer string, in InFrame) error {
	ctx := c.ctx
	switch in.Type {
	case FrameTyping:
		if g.svc.Presence == nil {
			return nil
		}
		_, err := g.svc.Presence.SetTyping(ctx, &api.SetTypingRequest{ChatID: chatID, UserID: viewer, IsTyping: in.IsTyping})
		return err
	case FrameSeen:
		resp, err := g.svc.Messages.MarkSeen(ctx, &api.MarkSeenRequest{ChatID: chatID, ReaderID: viewer})
		if err != nil {
			return err
		}
		return c.writeFrame(FrameSeen, resp)
	case FrameSend:
		resp, err := g.svc.Messages.Send(ctx, &api.SendRequest{
			ChatID:         chatID,
			SenderID:       viewer,
			Type:           in.MessageType,
			Text:           in.Text,
			IdempotencyKey: in.IdempotencyKey,
		})
		if err != nil {
			return err
		}
		return c.writeFrame(FrameSent, resp)
	}
	return errUnknownFrame(in.Type)
}

type errUnknownFrame string

func (e errUnknownFrame) Error() string { return "unknown frame type " + strconv.Quote(string(e)) }
