package lobby

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/planc-backend/internal/engine"
	"github.com/DoyleJ11/planc-backend/internal/types"
)

type connResult int

const (
	resultClosed connResult = iota
	resultOnHold
)

type participant struct {
	lobby *Lobby
	id    string
	conn  Conn
	log   *zap.Logger
}

// handleCommands is the receive loop. Every command error is fatal for the
// connection: the peer gets an Error message and the loop ends.
func (p *participant) handleCommands(ctx context.Context) (connResult, error) {
	for {
		cmd, err := p.conn.Receive(ctx)
		if errors.Is(err, ErrConnClosed) {
			return resultClosed, nil
		}
		if err != nil && !errors.Is(err, engine.ErrInvalidMessage) {
			return resultClosed, err
		}

		user, ok := p.lobby.store.Read().Users[p.id]
		if !ok {
			return resultClosed, engine.ErrUnknownUserId
		}
		if user.Kicked {
			return resultClosed, engine.ErrUserKicked
		}

		if err == nil {
			switch cmd.Type {
			case engine.CmdWhoami:
				if err := p.conn.Send(ctx, types.WhoamiMessage(p.id)); err != nil {
					return resultClosed, err
				}
				p.lobby.metrics.CommandProcessed(cmd.Type, nil)
				continue
			case engine.CmdHoldConnection:
				return p.hold(ctx)
			default:
				err = p.lobby.mutate(p.log, func(s engine.SessionState) ([]engine.Event, engine.SessionState, error) {
					return engine.Apply(s, p.id, cmd)
				})
			}
		}

		p.lobby.metrics.CommandProcessed(cmd.Type, err)
		if err != nil {
			p.reportError(ctx, err)
			return resultClosed, err
		}
	}
}

// hold waits for the peer to close. Anything else arriving first, including
// an unreadable message or a transport failure, is a protocol violation.
func (p *participant) hold(ctx context.Context) (connResult, error) {
	_, err := p.conn.Receive(ctx)
	switch {
	case errors.Is(err, ErrConnClosed):
		p.lobby.metrics.CommandProcessed(engine.CmdHoldConnection, nil)
		return resultOnHold, nil
	case ctx.Err() != nil:
		return resultClosed, ctx.Err()
	default:
		if err != nil {
			p.log.Debug("read during hold", zap.Error(err))
		}
		err = engine.ErrConnectionNotClosedAfterHold
		p.lobby.metrics.CommandProcessed(engine.CmdHoldConnection, err)
		p.reportError(ctx, err)
		return resultClosed, err
	}
}

func (p *participant) reportError(ctx context.Context, err error) {
	text := err.Error()
	if kind := engine.ErrorKind(err); kind != nil {
		text = kind.Error()
	}
	if sendErr := p.conn.Send(ctx, types.ErrorMessage(text)); sendErr != nil {
		p.log.Debug("send error message", zap.Error(sendErr))
	}
}

// broadcast sends this participant's view of every new state. It returns an
// error only when the participant has been kicked.
func (p *participant) broadcast(ctx context.Context) error {
	sub := p.lobby.store.Subscribe()
	defer sub.Close()

	for {
		state, _, err := sub.Next(ctx)
		if err != nil {
			return nil
		}

		view, err := engine.Project(state, p.id)
		if errors.Is(err, engine.ErrUnknownUserId) {
			// Removed on the way out.
			return nil
		}
		if err != nil {
			if sendErr := p.conn.Send(ctx, types.ErrorMessage(KickedMessage)); sendErr != nil {
				p.log.Debug("send kick message", zap.Error(sendErr))
			}
			return err
		}

		if err := p.conn.Send(ctx, types.StateMessage(view)); err != nil {
			if ctx.Err() == nil {
				p.log.Warn("send state", zap.Error(err))
			}
			return nil
		}
		p.lobby.metrics.StateSent()
	}
}

// heartbeat keeps idle connections alive through reverse proxies.
func (p *participant) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(p.lobby.opts.KeepAlive)
	defer ticker.Stop()

	for {
		if err := p.conn.Send(ctx, types.KeepAliveMessage()); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
