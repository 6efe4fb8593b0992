// Package server implements the development analysis server: the other end
// of the wire protocol the client speaks. It authenticates the websocket
// handshake, assigns session ids, fetches uploaded assets by reference and
// streams staged analysis progress back.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/olliefit/nutriscan/internal/ml"
	"github.com/olliefit/nutriscan/internal/models"
	"github.com/olliefit/nutriscan/internal/store"
	"github.com/olliefit/nutriscan/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // In production, this should be more restrictive
	},
}

// maxAssetSize caps how much of an uploaded asset the server will fetch.
const maxAssetSize = 20 << 20

// Server drives analyses for connected clients.
type Server struct {
	db      store.DB
	model   ml.Model
	logger  *log.Logger
	clients sync.Map
	assets  *http.Client
}

// New creates a Server. db may be nil, in which case results are not
// persisted and complete events carry no id.
func New(db store.DB, model ml.Model, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		db:     db,
		model:  model,
		logger: logger,
		assets: &http.Client{Timeout: 30 * time.Second},
	}
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start serves until SIGINT/SIGTERM.
func (s *Server) Start(port string) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		s.logger.Info("starting analysis server", "port", port)
		if err := http.ListenAndServe(":"+port, s.Handler()); err != nil {
			s.logger.Fatal("listen and serve", "err", err)
		}
	}()

	<-sigChan
	s.logger.Info("shutting down server")
	return nil
}

// client wraps one websocket connection with a write lock and the identity
// carried in its handshake.
type client struct {
	conn      *websocket.Conn
	sessionID string
	userID    string

	writeMu sync.Mutex
	busy    bool
	busyMu  sync.Mutex
}

func (c *client) send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(transport.Envelope{Type: event, Data: payload})
}

func (c *client) sendError(message string) {
	c.send(transport.EventError, models.AnalysisError{Message: message})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing auth token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	c := &client{
		conn:      conn,
		sessionID: uuid.New().String(),
		// The dev server has no user directory; the token doubles as the
		// user identity.
		userID: token,
	}
	s.clients.Store(c.sessionID, c)
	defer s.clients.Delete(c.sessionID)

	if err := c.send(transport.EventConnected, map[string]string{"sessionId": c.sessionID}); err != nil {
		s.logger.Warn("sending connect ack failed", "err", err)
		return
	}
	s.logger.Info("client connected", "session_id", c.sessionID)

	for {
		var env transport.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.logger.Debug("client gone", "session_id", c.sessionID, "err", err)
			return
		}
		s.handleMessage(c, env)
	}
}

func (s *Server) handleMessage(c *client, env transport.Envelope) {
	switch env.Type {
	case transport.EventAnalyzeRequest:
		var req models.AnalysisRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			c.sendError("invalid analyze request")
			return
		}

		c.busyMu.Lock()
		if c.busy {
			c.busyMu.Unlock()
			c.sendError("another analysis is already in progress")
			return
		}
		c.busy = true
		c.busyMu.Unlock()

		go func() {
			defer func() {
				c.busyMu.Lock()
				c.busy = false
				c.busyMu.Unlock()
			}()
			s.runAnalysis(c, req)
		}()
	default:
		c.sendError("unknown message type")
	}
}

// runAnalysis fetches the asset, runs the analyzer and emits exactly one
// terminal event.
func (s *Server) runAnalysis(c *client, req models.AnalysisRequest) {
	fail := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		s.logger.Warn("analysis failed", "session_id", c.sessionID, "message", msg)
		c.send(transport.EventAnalysisError, models.AnalysisError{Message: msg})
	}
	progress := func(pct int, msg string) {
		c.send(transport.EventAnalysisProgress, models.ProgressUpdate{Progress: pct, Message: msg})
	}

	if err := c.send(transport.EventAnalysisStart, struct{}{}); err != nil {
		return
	}
	progress(10, "Fetching image...")

	imageData, err := s.fetchAsset(req.AssetURL)
	if err != nil {
		fail("could not fetch image: %v", err)
		return
	}

	progress(45, "Analyzing image...")

	result, err := s.model.ProcessImage(context.Background(), imageData)
	if err != nil {
		fail("analysis failed: %v", err)
		return
	}

	progress(90, "Extracting nutrients...")

	if s.db != nil {
		result.ID = uuid.New().String()
		item := models.ItemFromResult(c.userID, req, *result)
		if err := s.db.SaveItem(context.Background(), item); err != nil {
			s.logger.Error("persisting item failed", "err", err)
			result.ID = ""
		}
	}

	s.logger.Info("analysis complete", "session_id", c.sessionID,
		"food", result.FoodName, "calories", result.Calories)
	c.send(transport.EventAnalysisComplete, result)
}

func (s *Server) fetchAsset(url string) ([]byte, error) {
	resp, err := s.assets.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("asset fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("asset is empty")
	}
	return data, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
