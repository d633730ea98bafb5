package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/coder/websocket"

	"github.com/DoyleJ11/planc-backend/internal/engine"
	"github.com/DoyleJ11/planc-backend/internal/lobby"
	"github.com/DoyleJ11/planc-backend/internal/types"
)

const (
	writeTimeout = 3 * time.Second
	readLimit    = 4096
)

// Conn adapts a websocket to lobby.Conn. Writes are safe for concurrent use;
// only the lobby's command loop reads.
type Conn struct {
	c *websocket.Conn
}

func NewConn(c *websocket.Conn) *Conn {
	// One byte of headroom so Receive can tell an oversized message apart
	// from a broken connection.
	c.SetReadLimit(readLimit + 1)
	return &Conn{c: c}
}

func (wc *Conn) Send(ctx context.Context, msg types.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Tag, err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wc.c.Write(ctx, websocket.MessageText, payload)
}

// Receive returns the next command. Only a close frame from the peer is
// reported as lobby.ErrConnClosed; a message over readLimit is
// engine.ErrInvalidMessage.
func (wc *Conn) Receive(ctx context.Context) (engine.Command, error) {
	typ, r, err := wc.c.Reader(ctx)
	if err != nil {
		return engine.Command{}, readError(ctx, err)
	}
	data, err := io.ReadAll(io.LimitReader(r, readLimit+1))
	if err != nil {
		return engine.Command{}, readError(ctx, err)
	}
	if len(data) > readLimit {
		return engine.Command{}, fmt.Errorf("%w: message exceeds %d bytes", engine.ErrInvalidMessage, readLimit)
	}
	if typ != websocket.MessageText {
		return engine.Command{}, fmt.Errorf("%w: binary frame", engine.ErrInvalidMessage)
	}
	return types.DecodeClientMessage(data)
}

func readError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case websocket.CloseStatus(err) != -1:
		return fmt.Errorf("%w: %v", lobby.ErrConnClosed, err)
	default:
		return fmt.Errorf("read message: %w", err)
	}
}
