package lobby

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/planc-backend/internal/engine"
	"github.com/DoyleJ11/planc-backend/internal/metrics"
	"github.com/DoyleJ11/planc-backend/internal/store"
	"github.com/DoyleJ11/planc-backend/internal/types"
)

// ErrConnClosed is returned by Conn.Receive once the peer has closed the
// connection.
var ErrConnClosed = errors.New("connection closed")

const KickedMessage = "You have been kicked from the session"

const DefaultKeepAlive = 5 * time.Second

// Conn is one participant's transport. Send must be safe for concurrent use:
// the command loop, the broadcast task and the heartbeat all write to it.
type Conn interface {
	Send(ctx context.Context, msg types.ServerMessage) error
	Receive(ctx context.Context) (engine.Command, error)
}

type Options struct {
	MaxUsers  int
	KeepAlive time.Duration
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// View is a point-in-time summary of a lobby.
type View struct {
	Version  uint64
	NumUsers int
	State    engine.SessionState
}

// Lobby is one planning session: the shared state plus the rules for
// participants joining, holding and leaving it.
type Lobby struct {
	id      string
	opts    Options
	store   *store.Store
	lastID  atomic.Int64
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewLobby(id string, opts Options) *Lobby {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Lobby{
		id:      id,
		opts:    opts,
		store:   store.New(engine.NewEmptyState()),
		log:     log.With(zap.String("session", id)),
		metrics: opts.Metrics,
	}
}

func (l *Lobby) ID() string { return l.id }

func (l *Lobby) State() engine.SessionState { return l.store.Read() }

func (l *Lobby) View() View {
	state, version := l.store.Snapshot()
	return View{Version: version, NumUsers: len(state.Users), State: state}
}

// Join runs one participant for the lifetime of conn. It returns nil when the
// peer closed the connection (with or without holding) and the reason
// otherwise. Join errors are reported to the peer before returning.
func (l *Lobby) Join(ctx context.Context, conn Conn) error {
	userID := strconv.FormatInt(l.lastID.Add(1), 10)
	log := l.log.With(zap.String("user", userID))

	err := l.mutate(log, func(s engine.SessionState) ([]engine.Event, engine.SessionState, error) {
		return engine.AddUser(s, userID, l.opts.MaxUsers)
	})
	if err != nil {
		log.Warn("join denied", zap.Error(err))
		l.metrics.JoinRejected(err)
		if sendErr := conn.Send(ctx, types.ErrorMessage(fmt.Sprintf("Error joining session: %v", err))); sendErr != nil {
			log.Debug("send join error", zap.Error(sendErr))
		}
		return err
	}

	l.metrics.ParticipantConnected()
	defer l.metrics.ParticipantDisconnected()

	p := &participant{lobby: l, id: userID, conn: conn, log: log}

	// The background tasks only fail to tear the connection down (kick);
	// failed sends end them quietly so they never decide how the user leaves.
	g, gctx := errgroup.WithContext(ctx)
	taskCtx, stopTasks := context.WithCancel(gctx)
	defer stopTasks()
	g.Go(func() error { return p.broadcast(taskCtx) })
	g.Go(func() error { return p.heartbeat(taskCtx) })

	result, connErr := p.handleCommands(gctx)

	l.leave(log, userID, result == resultOnHold)
	stopTasks()
	if taskErr := g.Wait(); taskErr != nil {
		connErr = taskErr
	}
	if connErr != nil {
		log.Info("connection terminated", zap.Error(connErr))
	}
	return connErr
}

func (l *Lobby) leave(log *zap.Logger, userID string, hold bool) {
	err := l.mutate(log, func(s engine.SessionState) ([]engine.Event, engine.SessionState, error) {
		events, next := engine.RemoveUser(s, userID, hold)
		return events, next, nil
	})
	if err != nil {
		log.Error("remove user", zap.Error(err))
	}
}

type transition func(engine.SessionState) ([]engine.Event, engine.SessionState, error)

// mutate commits one engine transition and logs the events it produced.
func (l *Lobby) mutate(log *zap.Logger, f transition) error {
	var events []engine.Event
	err := l.store.Mutate(func(s engine.SessionState) (engine.SessionState, error) {
		evts, next, err := f(s)
		events = evts
		return next, err
	})
	if err != nil {
		return err
	}
	for _, e := range events {
		logEvent(log, e)
	}
	return nil
}

func logEvent(log *zap.Logger, e engine.Event) {
	switch e.Type {
	case engine.EvtUserJoined:
		log.Info("user joined")
	case engine.EvtUserLeft:
		log.Info("user leaving", zap.String("subject", e.UserID))
	case engine.EvtUserOnHold:
		log.Info("user on hold")
	case engine.EvtUserTakenOver:
		log.Info("user takes over inactive user", zap.String("inactive", e.Target))
	case engine.EvtSessionClaimed:
		log.Info("user claiming session")
	case engine.EvtAdminCleared:
		log.Info("admin role cleared", zap.String("subject", e.UserID))
	case engine.EvtUserKicked:
		log.Info("kicking user", zap.String("kicked", e.UserID))
	default:
		log.Debug("state changed", zap.String("event", string(e.Type)))
	}
}
