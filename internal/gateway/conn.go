package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

var errConnClosed = errors.New("connection closed")

// conn serializes writes to one socket. Its context ends when the client
// goes away or the server shuts down, which also unblocks the read loop.
type conn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(parent context.Context, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(parent)
	c := &conn{ws: ws, ctx: ctx, cancel: cancel}
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.keepalive()
	return c
}

// Send implements orchestrator.Sender.
func (c *conn) Send(ctx context.Context, ev protocol.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeJSON(ev)
}

func (c *conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ctx.Err() != nil {
		return errConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// read returns the next data frame and extends the read deadline.
func (c *conn) read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	return data, nil
}

func (c *conn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.Close()
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.cancel()
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.cancel()
		_ = c.ws.Close()
	})
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// decodeAudio accepts plain base64 and data URLs.
func decodeAudio(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	if s == "" {
		return nil, errors.New("empty audio payload")
	}
	return base64.StdEncoding.DecodeString(s)
}
