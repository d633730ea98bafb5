package ws

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/planc-backend/internal/engine"
	"github.com/DoyleJ11/planc-backend/internal/hub"
	"github.com/DoyleJ11/planc-backend/internal/lobby"
	"github.com/DoyleJ11/planc-backend/internal/types"
)

// Handler upgrades GET /api/{sessionID} and joins the connection to that
// session until either side closes it.
func Handler(h *hub.Hub, log *zap.Logger, originPatterns []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if !hub.ValidSessionID(sessionID) {
			http.Error(w, "invalid session id", http.StatusBadRequest)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			log.Debug("websocket accept", zap.Error(err))
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "bye")

		connLog := log.With(zap.String("conn", uuid.NewString()), zap.String("session", sessionID))
		conn := NewConn(c)
		ctx := r.Context()

		handle, err := h.Acquire(ctx, sessionID)
		if err != nil {
			sendJoinError(ctx, conn, connLog, err)
			c.Close(websocket.StatusTryAgainLater, "session unavailable")
			return
		}
		defer handle.Release()

		connLog.Debug("connection accepted")
		err = handle.Lobby.Join(ctx, conn)
		switch {
		case err == nil:
			connLog.Debug("connection closed by peer")
		case engine.ErrorKind(err) != nil:
			c.Close(websocket.StatusPolicyViolation, engine.ErrorKind(err).Error())
		case ctx.Err() != nil:
			connLog.Debug("request context done", zap.Error(err))
		default:
			connLog.Warn("connection failed", zap.Error(err))
		}
	}
}

// sendJoinError tells the peer why it could not join. The connection is
// closed right after, so a failed send is only worth a debug line.
func sendJoinError(ctx context.Context, conn lobby.Conn, log *zap.Logger, err error) {
	log.Warn("join denied", zap.Error(err))
	if sendErr := conn.Send(ctx, types.ErrorMessage(fmt.Sprintf("Error joining session: %v", err))); sendErr != nil {
		log.Debug("send join error", zap.Error(sendErr))
	}
}
