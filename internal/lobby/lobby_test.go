package lobby

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/planc-backend/internal/engine"
	"github.com/DoyleJ11/planc-backend/internal/types"
)

type inbound struct {
	cmd engine.Command
	err error
}

// fakeConn is an in-memory Conn. Closing in simulates the peer closing.
type fakeConn struct {
	in  chan inbound
	out chan types.ServerMessage
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:  make(chan inbound, 16),
		out: make(chan types.ServerMessage, 256),
	}
}

func (c *fakeConn) Send(ctx context.Context, msg types.ServerMessage) error {
	select {
	case c.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Receive(ctx context.Context) (engine.Command, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			return engine.Command{}, ErrConnClosed
		}
		return m.cmd, m.err
	case <-ctx.Done():
		return engine.Command{}, ctx.Err()
	}
}

func (c *fakeConn) send(cmd engine.Command) { c.in <- inbound{cmd: cmd} }
func (c *fakeConn) close()                  { close(c.in) }

func newTestLobby(t *testing.T, maxUsers int) *Lobby {
	t.Helper()
	return NewLobby("test", Options{
		MaxUsers:  maxUsers,
		KeepAlive: time.Hour,
		Logger:    zaptest.NewLogger(t),
	})
}

// join runs Join in the background; the returned channel yields its result.
func join(l *Lobby, c *fakeConn) <-chan error {
	done := make(chan error, 1)
	go func() { done <- l.Join(context.Background(), c) }()
	return done
}

// helper: next message with the given tag, skipping keep-alives, so tests never hang
func recvTag(t *testing.T, c *fakeConn, tag string, within time.Duration) types.ServerMessage {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case msg := <-c.out:
			if msg.Tag == tag {
				return msg
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s message", tag)
			return types.ServerMessage{} // unreachable
		}
	}
}

// waitForView reads State messages until pred holds for one of them.
func waitForView(t *testing.T, c *fakeConn, pred func(engine.SessionState) bool) engine.SessionState {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-c.out:
			if msg.Tag != types.TagState {
				continue
			}
			view := msg.Content.(engine.SessionState)
			if pred(view) {
				return view
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching state")
			return engine.SessionState{} // unreachable
		}
	}
}

func recvDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for Join to return")
		return nil // unreachable
	}
}

func whoami(t *testing.T, c *fakeConn) string {
	t.Helper()
	c.send(engine.Command{Type: engine.CmdWhoami})
	return recvTag(t, c, types.TagWhoami, time.Second).Content.(string)
}

func hasUsers(ids ...string) func(engine.SessionState) bool {
	return func(s engine.SessionState) bool {
		if len(s.Users) != len(ids) {
			return false
		}
		for _, id := range ids {
			if _, ok := s.Users[id]; !ok {
				return false
			}
		}
		return true
	}
}

func TestLobby_UserIDsIncreaseAndAreNeverReused(t *testing.T) {
	l := newTestLobby(t, 8)

	conns := make([]*fakeConn, 3)
	dones := make([]<-chan error, 3)
	for i := range conns {
		conns[i] = newFakeConn()
		dones[i] = join(l, conns[i])
		assert.Equal(t, fmt.Sprint(i+1), whoami(t, conns[i]))
	}

	conns[1].close()
	require.NoError(t, recvDone(t, dones[1]))
	require.Eventually(t, func() bool { return hasUsers("1", "3")(l.State()) }, time.Second, 5*time.Millisecond)

	c := newFakeConn()
	done := join(l, c)
	assert.Equal(t, "4", whoami(t, c))

	for _, conn := range []*fakeConn{conns[0], conns[2], c} {
		conn.close()
	}
	require.NoError(t, recvDone(t, dones[0]))
	require.NoError(t, recvDone(t, dones[2]))
	require.NoError(t, recvDone(t, done))
	assert.Empty(t, l.State().Users)
}

func TestLobby_JoinRejectedAtCapacity(t *testing.T) {
	l := newTestLobby(t, 2)

	a, b := newFakeConn(), newFakeConn()
	doneA := join(l, a)
	require.Equal(t, "1", whoami(t, a))
	doneB := join(l, b)
	require.Equal(t, "2", whoami(t, b))
	before := l.View()

	c := newFakeConn()
	err := l.Join(context.Background(), c)
	require.ErrorIs(t, err, engine.ErrMaxUsersExceeded)

	msg := recvTag(t, c, types.TagError, time.Second)
	assert.Equal(t, "Error joining session: MaxUsersExceeded", msg.Content)
	assert.Equal(t, before, l.View())

	a.close()
	b.close()
	require.NoError(t, recvDone(t, doneA))
	require.NoError(t, recvDone(t, doneB))
}

func TestLobby_SpectatorScenario(t *testing.T) {
	l := newTestLobby(t, 2)

	a := newFakeConn()
	doneA := join(l, a)
	require.Equal(t, "1", whoami(t, a))
	a.send(engine.Command{Type: engine.CmdSetPoints, Points: "5"})

	b := newFakeConn()
	doneB := join(l, b)
	require.Equal(t, "2", whoami(t, b))
	b.send(engine.Command{Type: engine.CmdSetSpectator, Spectator: true})

	view := waitForView(t, a, func(s engine.SessionState) bool {
		return len(s.Users) == 2 && s.Users["2"].IsSpectator && s.Users["1"].Points != nil
	})
	assert.Nil(t, view.Users["2"].Points)
	require.NotNil(t, view.Users["1"].Points)
	assert.Equal(t, "5", *view.Users["1"].Points)

	b.close()
	require.NoError(t, recvDone(t, doneB))
	waitForView(t, a, hasUsers("1"))
	assert.True(t, hasUsers("1")(l.State()))

	a.close()
	require.NoError(t, recvDone(t, doneA))
}

func TestLobby_PointsHiddenUntilEveryoneVoted(t *testing.T) {
	l := newTestLobby(t, 4)

	a, b := newFakeConn(), newFakeConn()
	doneA := join(l, a)
	require.Equal(t, "1", whoami(t, a))
	doneB := join(l, b)
	require.Equal(t, "2", whoami(t, b))

	a.send(engine.Command{Type: engine.CmdSetPoints, Points: "3"})
	view := waitForView(t, b, func(s engine.SessionState) bool { return s.Users["1"].Points != nil })
	assert.Equal(t, engine.HiddenPoints, *view.Users["1"].Points)

	b.send(engine.Command{Type: engine.CmdSetPoints, Points: "8"})
	view = waitForView(t, b, func(s engine.SessionState) bool { return s.Users["2"].Points != nil })
	assert.Equal(t, "3", *view.Users["1"].Points)
	view = waitForView(t, a, func(s engine.SessionState) bool { return s.Users["2"].Points != nil })
	assert.Equal(t, "8", *view.Users["2"].Points)

	a.close()
	b.close()
	require.NoError(t, recvDone(t, doneA))
	require.NoError(t, recvDone(t, doneB))
}

func TestLobby_KickTerminatesTarget(t *testing.T) {
	l := newTestLobby(t, 4)

	a, b := newFakeConn(), newFakeConn()
	doneA := join(l, a)
	require.Equal(t, "1", whoami(t, a))
	doneB := join(l, b)
	require.Equal(t, "2", whoami(t, b))

	a.send(engine.Command{Type: engine.CmdClaimSession})
	a.send(engine.Command{Type: engine.CmdKickUser, UserID: "2"})

	msg := recvTag(t, b, types.TagError, time.Second)
	assert.Equal(t, KickedMessage, msg.Content)
	require.ErrorIs(t, recvDone(t, doneB), engine.ErrUserKicked)

	view := waitForView(t, a, func(s engine.SessionState) bool { return s.IsAdmin("1") && len(s.Users) == 1 })
	assert.NotContains(t, view.Users, "2")
	assert.NotContains(t, l.State().Users, "2")

	a.close()
	require.NoError(t, recvDone(t, doneA))
}

func TestLobby_KickUnknownUserIsFatalForIssuer(t *testing.T) {
	l := newTestLobby(t, 4)

	a := newFakeConn()
	doneA := join(l, a)
	whoami(t, a)
	a.send(engine.Command{Type: engine.CmdClaimSession})
	a.send(engine.Command{Type: engine.CmdKickUser, UserID: "9"})

	msg := recvTag(t, a, types.TagError, time.Second)
	assert.Equal(t, "UnknownUserId", msg.Content)
	require.ErrorIs(t, recvDone(t, doneA), engine.ErrUnknownUserId)
	assert.Empty(t, l.State().Users)
	assert.Nil(t, l.State().Admin)
}

func TestParticipant_KickedUserCommandFails(t *testing.T) {
	l := newTestLobby(t, 4)
	require.NoError(t, l.store.Mutate(func(s engine.SessionState) (engine.SessionState, error) {
		s.Users["1"] = engine.UserState{Kicked: true}
		return s, nil
	}))

	c := newFakeConn()
	p := &participant{lobby: l, id: "1", conn: c, log: l.log}
	c.send(engine.Command{Type: engine.CmdSetPoints, Points: "1"})

	result, err := p.handleCommands(context.Background())
	assert.Equal(t, resultClosed, result)
	require.ErrorIs(t, err, engine.ErrUserKicked)
	assert.Nil(t, l.State().Users["1"].Points)
}

func TestLobby_HoldThenTakeover(t *testing.T) {
	l := newTestLobby(t, 4)

	a := newFakeConn()
	doneA := join(l, a)
	require.Equal(t, "1", whoami(t, a))
	a.send(engine.Command{Type: engine.CmdNameChange, Name: "alice"})
	a.send(engine.Command{Type: engine.CmdSetPoints, Points: "5"})
	a.send(engine.Command{Type: engine.CmdHoldConnection})
	waitForView(t, a, func(s engine.SessionState) bool { return s.Users["1"].Points != nil })
	a.close()
	require.NoError(t, recvDone(t, doneA))

	held := l.State().Users["1"]
	require.True(t, held.IsInactive)
	require.Equal(t, "5", *held.Points)

	c := newFakeConn()
	doneC := join(l, c)
	require.Equal(t, "2", whoami(t, c))
	c.send(engine.Command{Type: engine.CmdNameChange, Name: "alice"})

	view := waitForView(t, c, hasUsers("2"))
	got := view.Users["2"]
	assert.Equal(t, "alice", *got.Name)
	assert.Equal(t, "5", *got.Points)
	assert.False(t, got.IsSpectator)
	assert.False(t, got.IsInactive)

	c.close()
	require.NoError(t, recvDone(t, doneC))
}

func TestLobby_MessageDuringHoldIsRejected(t *testing.T) {
	l := newTestLobby(t, 4)

	a := newFakeConn()
	doneA := join(l, a)
	whoami(t, a)
	a.send(engine.Command{Type: engine.CmdHoldConnection})
	a.send(engine.Command{Type: engine.CmdWhoami})

	msg := recvTag(t, a, types.TagError, time.Second)
	assert.Equal(t, "ConnectionNotClosedAfterHold", msg.Content)
	require.ErrorIs(t, recvDone(t, doneA), engine.ErrConnectionNotClosedAfterHold)
	assert.Empty(t, l.State().Users)
}

func TestLobby_BrokenReadDuringHoldRemovesUser(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "oversized message", err: fmt.Errorf("%w: message exceeds 4096 bytes", engine.ErrInvalidMessage)},
		{name: "transport failure", err: errors.New("read message: connection reset by peer")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLobby(t, 4)

			a := newFakeConn()
			doneA := join(l, a)
			whoami(t, a)
			a.send(engine.Command{Type: engine.CmdHoldConnection})
			a.in <- inbound{err: tt.err}

			msg := recvTag(t, a, types.TagError, time.Second)
			assert.Equal(t, "ConnectionNotClosedAfterHold", msg.Content)
			require.ErrorIs(t, recvDone(t, doneA), engine.ErrConnectionNotClosedAfterHold)
			assert.Empty(t, l.State().Users)
		})
	}
}

func TestLobby_ViewIsConsistent(t *testing.T) {
	l := newTestLobby(t, 64)
	base := l.View()
	require.Equal(t, 0, base.NumUsers)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 32; i++ {
			id := fmt.Sprint(i)
			_ = l.mutate(l.log, func(s engine.SessionState) ([]engine.Event, engine.SessionState, error) {
				return engine.AddUser(s, id, 64)
			})
		}
	}()

	for {
		v := l.View()
		require.Equal(t, base.Version+uint64(v.NumUsers), v.Version)
		require.Len(t, v.State.Users, v.NumUsers)
		select {
		case <-done:
			return
		default:
		}
	}
}

func TestLobby_AdminLeavingClearsAdmin(t *testing.T) {
	l := newTestLobby(t, 4)

	a, b := newFakeConn(), newFakeConn()
	doneA := join(l, a)
	require.Equal(t, "1", whoami(t, a))
	doneB := join(l, b)
	require.Equal(t, "2", whoami(t, b))
	a.send(engine.Command{Type: engine.CmdClaimSession})
	waitForView(t, b, func(s engine.SessionState) bool { return s.IsAdmin("1") })

	a.close()
	require.NoError(t, recvDone(t, doneA))
	view := waitForView(t, b, hasUsers("2"))
	assert.Nil(t, view.Admin)

	b.close()
	require.NoError(t, recvDone(t, doneB))
}

func TestLobby_CommandErrorsCloseConnection(t *testing.T) {
	cases := []struct {
		name    string
		in      inbound
		wantErr error
	}{
		{
			name:    "malformed input",
			in:      inbound{err: fmt.Errorf("%w: bad json", engine.ErrInvalidMessage)},
			wantErr: engine.ErrInvalidMessage,
		},
		{
			name:    "reset without admin",
			in:      inbound{cmd: engine.Command{Type: engine.CmdResetPoints}},
			wantErr: engine.ErrInsufficientPermissions,
		},
		{
			name:    "oversized points",
			in:      inbound{cmd: engine.Command{Type: engine.CmdSetPoints, Points: "way too long"}},
			wantErr: engine.ErrInvalidMessage,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := newTestLobby(t, 4)
			a := newFakeConn()
			done := join(l, a)
			whoami(t, a)

			a.in <- tc.in
			msg := recvTag(t, a, types.TagError, time.Second)
			assert.Equal(t, tc.wantErr.Error(), msg.Content)
			require.ErrorIs(t, recvDone(t, done), tc.wantErr)
			assert.Empty(t, l.State().Users)
		})
	}
}

func TestLobby_DuplicateNameLeavesStateUnchanged(t *testing.T) {
	l := newTestLobby(t, 4)

	a, b := newFakeConn(), newFakeConn()
	doneA := join(l, a)
	require.Equal(t, "1", whoami(t, a))
	doneB := join(l, b)
	require.Equal(t, "2", whoami(t, b))
	a.send(engine.Command{Type: engine.CmdNameChange, Name: "bob"})
	waitForView(t, b, func(s engine.SessionState) bool { return s.Users["1"].Name != nil })

	b.send(engine.Command{Type: engine.CmdNameChange, Name: "bob"})
	msg := recvTag(t, b, types.TagError, time.Second)
	assert.Equal(t, "DuplicateName", msg.Content)
	require.ErrorIs(t, recvDone(t, doneB), engine.ErrDuplicateName)
	assert.Equal(t, "bob", *l.State().Users["1"].Name)

	a.close()
	require.NoError(t, recvDone(t, doneA))
}

func TestLobby_HeartbeatKeepsSending(t *testing.T) {
	l := NewLobby("beat", Options{MaxUsers: 2, KeepAlive: 10 * time.Millisecond, Logger: zaptest.NewLogger(t)})

	a := newFakeConn()
	done := join(l, a)
	for i := 0; i < 3; i++ {
		recvTag(t, a, types.TagKeepAlive, time.Second)
	}

	a.close()
	require.NoError(t, recvDone(t, done))
}
