package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jonathan/threads-autopost/internal/db"
	"github.com/jonathan/threads-autopost/internal/types"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = (wsPongTimeout * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is served with a wildcard CORS policy; websocket follows it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventMessage is one frame on the events websocket.
type eventMessage struct {
	Type   string                  `json:"type"`
	Status *types.AutomationStatus `json:"status,omitempty"`
	Entry  *types.LogEntry         `json:"entry,omitempty"`
}

// handleStatus returns the automation status snapshot
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondStatus(r.Context(), w, r)
}

// handleStart starts the automation and returns the new status. Start drains the
// backlog, so it runs detached from the request and survives a client disconnect.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if err := s.deps.Automation.Start(ctx); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.respondStatus(ctx, w, r)
}

// handleStop stops the automation and returns the new status
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	if err := s.deps.Automation.Stop(ctx); err != nil {
		s.handleError(w, r, err)
		return
	}
	s.respondStatus(ctx, w, r)
}

func (s *Server) respondStatus(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Automation.Status(ctx)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, status)
}

// handleListLogs returns automation log entries newest first.
// Query: action (substring match), limit.
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	entries, err := s.deps.Store.ListLogs(r.Context(), db.LogFilter{
		Action: r.URL.Query().Get("action"),
		Limit:  limit,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.LogEntry{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"logs":  entries,
		"count": len(entries),
	})
}

// handleListProcessedFiles returns the ingestion ledger newest first
func (s *Server) handleListProcessedFiles(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	files, err := s.deps.Store.ListProcessedFiles(r.Context(), limit)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if files == nil {
		files = []types.ProcessedFile{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"files": files,
		"count": len(files),
	})
}

// handleEvents streams automation log entries over a websocket. The first frame
// carries the current status; each later frame carries one log entry.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.logger.Debug("websocket upgrade failed", "event", "ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	entries, cancel := s.deps.Hub.Subscribe()
	defer cancel()

	s.logger.Info("events client connected", "event", "ws_connected", "client", s.extractClientID(r))
	defer s.logger.Info("events client disconnected", "event", "ws_disconnected", "client", s.extractClientID(r))

	// The read pump only handles control frames and notices the client going away.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if status, err := s.deps.Automation.Status(r.Context()); err == nil {
		if err := s.writeEvent(conn, eventMessage{Type: "status", Status: &status}); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := s.writeEvent(conn, eventMessage{Type: "log", Entry: &entry}); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, msg eventMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}
