package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/gorilla/websocket"

	"snowgate/internal/auth"
	licenseErrors "snowgate/internal/errors"
)

// Handler upgrades HTTP requests at /ws to websocket connections. The token
// middleware has already verified the session-bound token (passed as the
// access_token query parameter during the upgrade) and put the claims and
// the resolved session on the context.
type Handler struct {
	hub      *Hub
	sessions SessionControl
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates the upgrade handler. checkOrigin nil allows every
// origin; the gateway normally sits behind its own CORS policy.
func NewHandler(hub *Hub, sessions SessionControl, checkOrigin func(r *http.Request) bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Handler{
		hub:      hub,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      checkOrigin,
		},
		logger: logger.With(slog.String("component", "websocket.handler")),
	}
}

// ServeHTTP handles GET /ws.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	claims := auth.ClaimsFrom(ctx)
	if claims == nil {
		render.Render(w, r, licenseErrors.NewProblemDetails(
			http.StatusUnauthorized,
			"/errors/unauthorized",
			"Unauthorized",
			"A verified session token is required to open a websocket.",
			r.URL.Path,
		))
		return
	}

	sess := auth.SessionFrom(ctx)
	if sess == nil {
		// The token is valid but its session is gone, likely reclaimed.
		// The client must reconnect through /api/connect.
		render.Render(w, r, licenseErrors.MapLicenseError(licenseErrors.ErrSessionGone, ""))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.WarnContext(ctx, "websocket upgrade failed",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
		return
	}

	client := NewClient(h.hub, &gorillaConn{conn: conn}, h.sessions,
		sess.ID, sess.OrganizationID, string(sess.Role), h.logger)
	h.hub.Register(client)

	h.logger.InfoContext(ctx, "websocket connected",
		slog.String("session_id", sess.ID),
		slog.String("organization_id", sess.OrganizationID),
		slog.String("remote_addr", client.conn.RemoteAddr()))

	go client.WritePump()
	go client.ReadPump()

	// Initial frame confirms the binding.
	if ack, err := json.Marshal(Envelope{
		Type:           TypeConnected,
		OrganizationID: sess.OrganizationID,
		SessionID:      sess.ID,
		Timestamp:      time.Now().UTC(),
	}); err == nil {
		select {
		case client.send <- ack:
		default:
		}
	}
}
