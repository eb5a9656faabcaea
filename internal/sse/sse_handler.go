package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/welldanyogia/authgate/internal/apperror"
	appctx "github.com/welldanyogia/authgate/internal/context"
	"github.com/welldanyogia/authgate/internal/events"
	"github.com/welldanyogia/authgate/internal/logger"
	"github.com/welldanyogia/authgate/internal/metrics"
)

// Source delivers live events and the recent history of an account.
type Source interface {
	Subscribe(accountID string, handler events.Handler) (unsubscribe func())
	Recent(accountID string, limit int) ([]events.Event, error)
}

// SessionChecker confirms that the session a stream was opened with is
// still active.
type SessionChecker interface {
	SessionActive(ctx context.Context, accountID, sessionID string) (bool, error)
}

// Handler serves the security-event stream of the authenticated account.
type Handler struct {
	config   Config
	conns    *ConnectionManager
	source   Source
	sessions SessionChecker
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a stream handler. Zero config fields take their defaults.
func NewHandler(config Config, source Source, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	config = config.withDefaults()
	return &Handler{
		config: config,
		conns:  NewConnectionManager(config.MaxConnectionsPerAccount),
		source: source,
		logger: log,
		now:    time.Now,
	}
}

// SetClock overrides the clock used for control event timestamps
func (h *Handler) SetClock(now func() time.Time) {
	h.now = now
}

// WithSessionCheck re-checks each stream's session on every heartbeat and
// closes the stream once the session is gone.
func (h *Handler) WithSessionCheck(checker SessionChecker) *Handler {
	h.sessions = checker
	return h
}

// SessionsEnded closes the account's streams opened by the given sessions
func (h *Handler) SessionsEnded(accountID string, sessionIDs []string) {
	if n := h.conns.CloseSessions(accountID, sessionIDs...); n > 0 {
		h.logger.Info("event streams closed after session ended",
			slog.String("account_id", accountID),
			slog.Int("streams", n),
		)
	}
}

// Connections exposes the connection manager, e.g. to close streams on shutdown.
func (h *Handler) Connections() *ConnectionManager {
	return h.conns
}

// HandleStream streams the caller's security events until the client goes
// away, the connection times out, its session ends or a newer stream evicts
// it. The request must already carry an identity.
// GET /auth/security-events/stream
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := appctx.ExtractIdentity(r.Context())
	if !ok {
		apperror.WriteError(w, http.StatusUnauthorized, apperror.CodeAuthTokenMissing, "Authentication required", nil, 0)
		return
	}
	log := logger.WithCorrelationID(r.Context(), h.logger).With(slog.String("account_id", id.AccountID))

	if !flushable(w) {
		log.Error("event stream unavailable", slog.String("error", ErrStreamingNotSupported.Error()))
		apperror.WriteError(w, http.StatusInternalServerError, apperror.CodeInternalError, "Streaming not supported", nil, 0)
		return
	}

	rc := http.NewResponseController(w)
	// the server write timeout would otherwise cut the stream
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	conn := newConnection(id.AccountID, id.SessionID, h.config.BufferSize, h.now())
	if evicted := h.conns.Add(conn); evicted != nil {
		log.Info("event stream evicted", slog.String("connection_id", evicted.ID))
	}
	metrics.EventStreamConnections.Inc()
	defer func() {
		h.conns.Remove(conn)
		conn.Close()
		metrics.EventStreamConnections.Dec()
	}()

	unsubscribe := h.source.Subscribe(id.AccountID, func(event events.Event) {
		if !conn.Offer(event) {
			metrics.EventStreamDroppedTotal.Inc()
		}
	})
	defer unsubscribe()

	sw := &streamWriter{w: w, rc: rc}
	if err := sw.control(TypeConnected, map[string]interface{}{
		"connectionId": conn.ID,
		"timestamp":    h.now().UTC(),
	}); err != nil {
		return
	}

	// events published while replaying arrive on the queue as well
	replayed := make(map[string]bool)
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		missed, err := h.missedSince(id.AccountID, lastID)
		if err != nil {
			log.Warn("event replay failed", slog.String("error", err.Error()))
		}
		for _, event := range missed {
			replayed[event.ID] = true
			if err := sw.event(event); err != nil {
				return
			}
		}
	}

	heartbeat := time.NewTicker(h.config.HeartbeatInterval)
	defer heartbeat.Stop()
	timeout := time.NewTimer(h.config.ConnectionTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-timeout.C:
			return
		case <-conn.Done():
			switch {
			case conn.Evicted():
				_ = sw.control(TypeConnectionLimit, map[string]interface{}{
					"maxConnections": h.config.MaxConnectionsPerAccount,
				})
			case conn.SessionEnded():
				_ = sw.control(TypeSessionEnded, map[string]interface{}{"sessionId": conn.SessionID})
			}
			return
		case <-heartbeat.C:
			if !h.sessionActive(r.Context(), conn, log) {
				_ = sw.control(TypeSessionEnded, map[string]interface{}{"sessionId": conn.SessionID})
				return
			}
			if err := sw.control(TypeHeartbeat, map[string]interface{}{"timestamp": h.now().UTC()}); err != nil {
				return
			}
		case event := <-conn.queue:
			if replayed[event.ID] {
				delete(replayed, event.ID)
				continue
			}
			if err := sw.event(event); err != nil {
				return
			}
		}
	}
}

// sessionActive asks the checker about conn's session. Lookup errors keep
// the stream open.
func (h *Handler) sessionActive(ctx context.Context, conn *Connection, log *slog.Logger) bool {
	if h.sessions == nil || conn.SessionID == "" {
		return true
	}
	active, err := h.sessions.SessionActive(ctx, conn.AccountID, conn.SessionID)
	if err != nil {
		log.Warn("session check failed", slog.String("error", err.Error()))
		return true
	}
	return active
}

// missedSince returns the retained events newer than lastID, oldest first.
// An unknown lastID replays everything still retained.
func (h *Handler) missedSince(accountID, lastID string) ([]events.Event, error) {
	recent, err := h.source.Recent(accountID, h.config.ReplayLimit)
	if err != nil {
		return nil, err
	}
	missed := make([]events.Event, 0, len(recent))
	for _, event := range recent {
		if event.ID == lastID {
			break
		}
		missed = append(missed, event)
	}
	for i, j := 0, len(missed)-1; i < j; i, j = i+1, j-1 {
		missed[i], missed[j] = missed[j], missed[i]
	}
	return missed, nil
}

type streamWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *streamWriter) event(event events.Event) error {
	return s.write(FormatEvent(event.ID, event.Type, event.Data))
}

func (s *streamWriter) control(eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write(FormatEvent("", eventType, data))
}

func (s *streamWriter) write(msg string) error {
	if _, err := fmt.Fprint(s.w, msg); err != nil {
		return err
	}
	return s.rc.Flush()
}

// FormatEvent renders one SSE message. An empty id omits the id field.
func FormatEvent(id, eventType string, data []byte) string {
	if id == "" {
		return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
	}
	return fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", id, eventType, data)
}

func flushable(w http.ResponseWriter) bool {
	for {
		switch t := w.(type) {
		case http.Flusher:
			return true
		case interface{ Unwrap() http.ResponseWriter }:
			w = t.Unwrap()
		default:
			return false
		}
	}
}
