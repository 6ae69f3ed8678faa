// Package web streams session events to websocket clients and serves the
// archive database as JSON.
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"replaydeck/matcher"
	"replaydeck/session"
	"replaydeck/storage"
)

const broadcastBuffer = 256

type Server struct {
	database   *storage.Database
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	clientsMux sync.RWMutex
	broadcast  chan []byte
	done       chan struct{}
	startOnce  sync.Once
	stopOnce   sync.Once

	sessionsMux sync.RWMutex
	sessions    []*session.Session
}

type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// SessionStatus describes a live session for /api/sessions.
type SessionStatus struct {
	Name     string        `json:"name"`
	Mode     string        `json:"mode"`
	State    string        `json:"state"`
	Cassette string        `json:"cassette"`
	Stats    matcher.Stats `json:"stats"`
}

type recordView struct {
	storage.Record
	Interaction json.RawMessage `json:"interaction"`
}

func NewServer(db *storage.Database, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		database: db,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan []byte, broadcastBuffer),
		done:      make(chan struct{}),
	}
}

// RegisterRoutes adds the websocket and API routes to mux and starts the
// broadcast loop.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	s.startOnce.Do(func() { go s.handleBroadcast() })

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/cassettes", s.handleCassettes)
	mux.HandleFunc("/api/cassettes/", s.handleCassetteDetail)
	mux.HandleFunc("/api/clear", s.handleClear)

	s.logger.Info("[WEB] routes registered")
}

// Track adds s to the sessions reported by /api/sessions.
func (s *Server) Track(sess *session.Session) {
	s.sessionsMux.Lock()
	defer s.sessionsMux.Unlock()
	s.sessions = append(s.sessions, sess)
}

// OnEvent broadcasts session events, making Server a session.Listener.
func (s *Server) OnEvent(e session.Event) {
	s.BroadcastEvent("session_event", e)
}

// BroadcastEvent sends an event to all connected websocket clients. Events
// are dropped while the buffer is full.
func (s *Server) BroadcastEvent(eventType string, data interface{}) {
	message := Message{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	messageBytes, err := json.Marshal(message)
	if err != nil {
		s.logger.Warn("[WEB] failed to marshal broadcast message", zap.Error(err))
		return
	}

	select {
	case s.broadcast <- messageBytes:
	default:
		s.logger.Debug("[WEB] broadcast buffer full, dropping event", zap.String("type", eventType))
	}
}

// Close stops the broadcast loop and disconnects every client.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.clientsMux.Lock()
		defer s.clientsMux.Unlock()
		for client := range s.clients {
			client.Close()
			delete(s.clients, client)
		}
	})
}

func (s *Server) clientCount() int {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("[WEB] websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.clientsMux.Lock()
	s.clients[conn] = true
	s.clientsMux.Unlock()
	s.logger.Debug("[WEB] websocket client connected", zap.String("remote", r.RemoteAddr))

	defer func() {
		s.clientsMux.Lock()
		delete(s.clients, conn)
		s.clientsMux.Unlock()
		s.logger.Debug("[WEB] websocket client disconnected", zap.String("remote", r.RemoteAddr))
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) handleBroadcast() {
	for {
		select {
		case <-s.done:
			return
		case message := <-s.broadcast:
			s.clientsMux.Lock()
			for client := range s.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					s.logger.Debug("[WEB] websocket write failed", zap.Error(err))
					client.Close()
					delete(s.clients, client)
				}
			}
			s.clientsMux.Unlock()
		}
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.sessionsMux.RLock()
	statuses := make([]SessionStatus, 0, len(s.sessions))
	for _, sess := range s.sessions {
		statuses = append(statuses, SessionStatus{
			Name:     sess.Name(),
			Mode:     sess.Mode().String(),
			State:    sess.State().String(),
			Cassette: sess.Cassette().Path(),
			Stats:    sess.Stats(),
		})
	}
	s.sessionsMux.RUnlock()

	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleCassettes(w http.ResponseWriter, r *http.Request) {
	cassettes, err := s.database.ListCassettes()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list cassettes")
		return
	}
	if cassettes == nil {
		cassettes = []storage.Cassette{}
	}
	writeJSON(w, http.StatusOK, cassettes)
}

func (s *Server) handleCassetteDetail(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/api/cassettes/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusBadRequest, "invalid cassette name")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getCassette(w, name)
	case http.MethodDelete:
		if err := s.database.ClearCassette(name); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, http.StatusNotFound, "cassette not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to clear cassette")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) getCassette(w http.ResponseWriter, name string) {
	cassette, err := s.database.GetCassette(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "cassette not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get cassette")
		return
	}

	records, err := s.database.GetRecords(cassette.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get interactions")
		return
	}
	views := make([]recordView, 0, len(records))
	for _, record := range records {
		views = append(views, recordView{Record: record, Interaction: json.RawMessage(record.Payload)})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.database.ClearAllCassettes(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear cassettes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
