package hub

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/planc-backend/internal/engine"
	"github.com/DoyleJ11/planc-backend/internal/lobby"
	"github.com/DoyleJ11/planc-backend/internal/metrics"
)

var ErrHubClosed = errors.New("hub closed")

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidSessionID reports whether id can name a session.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

type HubMsg interface{ isHubMsg() }

type AcquireLobby struct {
	ID    string
	Reply chan acquireReply
}

type ReleaseLobby struct {
	ID string
}

type GetStats struct {
	Reply chan Stats
}

type ShutdownHub struct{}

func (AcquireLobby) isHubMsg() {}
func (ReleaseLobby) isHubMsg() {}
func (GetStats) isHubMsg()     {}
func (ShutdownHub) isHubMsg()  {}

type acquireReply struct {
	lobby *lobby.Lobby
	err   error
}

type Stats struct {
	Sessions int `json:"sessions"`
	Users    int `json:"users"`
}

type Options struct {
	MaxSessions int
	Lobby       lobby.Options
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

type entry struct {
	lobby *lobby.Lobby
	refs  int
}

// Hub is the session registry. A single goroutine owns the map; sessions are
// reference counted and dropped when the last Handle is released.
type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*entry
	opts    Options
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, opts Options) *Hub {
	ctx, cancel := context.WithCancel(parent)
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Lobby.Logger == nil {
		opts.Lobby.Logger = log
	}
	if opts.Lobby.Metrics == nil {
		opts.Lobby.Metrics = opts.Metrics
	}

	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*entry),
		opts:    opts,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case AcquireLobby:
				msg.Reply <- h.acquire(msg.ID)

			case ReleaseLobby:
				h.release(msg.ID)

			case GetStats:
				stats := Stats{Sessions: len(h.lobbies)}
				for _, e := range h.lobbies {
					stats.Users += e.lobby.View().NumUsers
				}
				msg.Reply <- stats

			case ShutdownHub:
				h.shutdown()
				h.cancel()
				return
			}
		}
	}
}

func (h *Hub) acquire(id string) acquireReply {
	if e := h.lobbies[id]; e != nil {
		e.refs++
		return acquireReply{lobby: e.lobby}
	}
	if len(h.lobbies) >= h.opts.MaxSessions {
		h.log.Warn("session limit reached", zap.String("session", id), zap.Int("max_sessions", h.opts.MaxSessions))
		h.opts.Metrics.JoinRejected(engine.ErrMaxSessionsExceeded)
		return acquireReply{err: engine.ErrMaxSessionsExceeded}
	}

	h.log.Info("creating session", zap.String("session", id))
	lb := lobby.NewLobby(id, h.opts.Lobby)
	h.lobbies[id] = &entry{lobby: lb, refs: 1}
	h.opts.Metrics.SessionOpened()
	return acquireReply{lobby: lb}
}

func (h *Hub) release(id string) {
	e := h.lobbies[id]
	if e == nil {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	h.log.Info("removing session", zap.String("session", id))
	delete(h.lobbies, id)
	h.opts.Metrics.SessionClosed()
}

func (h *Hub) shutdown() {
	for id := range h.lobbies {
		h.opts.Metrics.SessionClosed()
		delete(h.lobbies, id)
	}
}

// send delivers msg unless the hub or ctx is done first.
func (h *Hub) send(ctx context.Context, msg HubMsg) error {
	select {
	case h.inbox <- msg:
		return nil
	case <-h.ctx.Done():
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire returns a handle on the session id, creating it if needed. The
// caller must Release the handle once its connection is done.
func (h *Hub) Acquire(ctx context.Context, id string) (*Handle, error) {
	reply := make(chan acquireReply, 1)
	if err := h.send(ctx, AcquireLobby{ID: id, Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		if r.err != nil {
			return nil, r.err
		}
		return &Handle{Lobby: r.lobby, hub: h, id: id}, nil
	case <-h.ctx.Done():
		return nil, ErrHubClosed
	}
}

func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := h.send(ctx, GetStats{Reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-h.ctx.Done():
		return Stats{}, ErrHubClosed
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Shutdown drops every session. Connections already joined keep running
// until their transport closes.
func (h *Hub) Shutdown() {
	_ = h.send(context.Background(), ShutdownHub{})
}

// Handle is one reference on a session.
type Handle struct {
	Lobby *lobby.Lobby
	hub   *Hub
	id    string
	once  sync.Once
}

func (hd *Handle) Release() {
	hd.once.Do(func() {
		_ = hd.hub.send(context.Background(), ReleaseLobby{ID: hd.id})
	})
}
