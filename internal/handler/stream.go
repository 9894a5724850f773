package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aryan0dhankhar/accessgate/internal/security/middleware"
	"github.com/aryan0dhankhar/accessgate/internal/session"
)

// SessionStreamHandler pushes session snapshots over a websocket. The session
// is re-resolved every refresh interval so a disabled user is signed out on
// the stream without a new request.
type SessionStreamHandler struct {
	sessions       *Sessions
	logger         *slog.Logger
	allowedOrigins []string
	refresh        time.Duration
}

func NewSessionStreamHandler(sessions *Sessions, logger *slog.Logger, allowedOrigins []string, refresh time.Duration) *SessionStreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	return &SessionStreamHandler{
		sessions:       sessions,
		logger:         logger,
		allowedOrigins: allowedOrigins,
		refresh:        refresh,
	}
}

func (h *SessionStreamHandler) Register(mux *http.ServeMux) {
	mux.Handle("GET /ws/session", h)
}

func (h *SessionStreamHandler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser clients
				return true
			}
			if middleware.OriginAllowed(h.allowedOrigins, origin) {
				return true
			}
			h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
			return false
		},
	}
}

// ServeHTTP handles GET /ws/session
func (h *SessionStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	svc, _, err := h.sessions.Restore(r.Context(), claims)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	defer svc.Close()

	upgrader := h.upgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: only control frames are expected; any error ends the stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snaps := make(chan session.Snapshot, 16)
	unsubscribe := svc.SubscribeSession(func(s session.Snapshot) {
		select {
		case snaps <- s:
		default:
			h.logger.Warn("session stream lagging, snapshot dropped", slog.Uint64("version", s.Version))
		}
	})
	defer unsubscribe()

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	refresh := time.NewTicker(h.refresh)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-snaps:
			ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteJSON(s); err != nil {
				h.logger.Debug("session stream ended", slog.String("reason", err.Error()))
				return
			}
			if s.State == session.StateUnauthenticated {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "signed out"),
					time.Now().Add(5*time.Second))
				return
			}
		case <-refresh.C:
			if err := svc.Refresh(ctx); err != nil {
				h.logger.Info("session refresh failed",
					slog.String("user_id", claims.UserID),
					slog.String("error", err.Error()),
				)
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
