// Package analysis layers the image-analysis protocol on top of the
// transport session: one outbound analyze request, four inbound event kinds
// fanned out to typed subscribers, and a watchdog deadline so a lost server
// can never leave the client stuck mid-analysis.
package analysis

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/olliefit/nutriscan/internal/events"
	"github.com/olliefit/nutriscan/internal/models"
	"github.com/olliefit/nutriscan/internal/transport"
)

var (
	// ErrNotConnected is returned when an analysis is requested without a
	// live, acknowledged connection.
	ErrNotConnected = errors.New("analysis: not connected to server")
	// ErrAnalysisInProgress is returned when a request is made while a
	// previous lifecycle has not reached its terminal event.
	ErrAnalysisInProgress = errors.New("analysis: another analysis is already in progress")
)

// DefaultTimeout bounds how long a single analysis may stay in the Analyzing
// state before a local timeout error is synthesized.
const DefaultTimeout = 2 * time.Minute

// Conn is the slice of the transport session the handler needs. The session's
// dispatch table outlives individual connections, so handlers registered here
// remain attached across reconnects.
type Conn interface {
	IsConnected() bool
	Emit(event string, payload any) error
	On(event string, fn func(json.RawMessage))
	Off(event string)
}

// LifecycleState tracks one logical analysis exchange.
type LifecycleState int

const (
	StateIdle LifecycleState = iota
	StateAnalyzing
	StateComplete
	StateError
)

func (s LifecycleState) String() string {
	switch s {
	case StateAnalyzing:
		return "analyzing"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

// Handler owns the analyze-image exchange. Events are re-broadcast to every
// subscriber of the matching kind in registration order; the handler itself
// does not gate forwarding on lifecycle state (the reconciler does).
type Handler struct {
	conn    Conn
	logger  *log.Logger
	timeout time.Duration

	mu       sync.Mutex
	state    LifecycleState
	progress int
	request  models.AnalysisRequest
	watchdog *time.Timer

	startEv    events.Emitter[struct{}]
	progressEv events.Emitter[models.ProgressUpdate]
	completeEv events.Emitter[models.NutritionResult]
	errorEv    events.Emitter[string]
}

// Option tweaks handler construction.
type Option func(*Handler)

// WithTimeout overrides the watchdog deadline. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// WithLogger sets the handler's logger.
func WithLogger(l *log.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler attaches the four analysis listeners to conn and returns the
// handler. Call Close to detach them.
func NewHandler(conn Conn, opts ...Option) *Handler {
	h := &Handler{
		conn:    conn,
		logger:  log.Default(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	conn.On(transport.EventAnalysisStart, h.onStart)
	conn.On(transport.EventAnalysisProgress, h.onProgress)
	conn.On(transport.EventAnalysisComplete, h.onComplete)
	conn.On(transport.EventAnalysisError, h.onError)
	return h
}

// Close detaches the handler's listeners from the session.
func (h *Handler) Close() {
	h.conn.Off(transport.EventAnalysisStart)
	h.conn.Off(transport.EventAnalysisProgress)
	h.conn.Off(transport.EventAnalysisComplete)
	h.conn.Off(transport.EventAnalysisError)
	h.mu.Lock()
	h.stopWatchdogLocked()
	h.mu.Unlock()
}

// RequestAnalysis sends a single analyze message for a previously stored
// asset. It never blocks for a result; completion is observed through the
// subscription callbacks.
//
// Fails fast with ErrNotConnected when the session is down and with
// ErrAnalysisInProgress while an earlier lifecycle is still active.
func (h *Handler) RequestAnalysis(req models.AnalysisRequest) error {
	if !h.conn.IsConnected() {
		return ErrNotConnected
	}

	h.mu.Lock()
	if h.state == StateAnalyzing {
		h.mu.Unlock()
		return ErrAnalysisInProgress
	}
	h.state = StateAnalyzing
	h.progress = 0
	h.request = req
	h.armWatchdogLocked()
	h.mu.Unlock()

	if err := h.conn.Emit(transport.EventAnalyzeRequest, req); err != nil {
		h.mu.Lock()
		h.state = StateIdle
		h.stopWatchdogLocked()
		h.mu.Unlock()
		return err
	}

	h.logger.Info("analysis requested", "asset_id", req.AssetID, "file", req.FileName)
	return nil
}

// Status returns the current lifecycle state and the latest progress percent.
func (h *Handler) Status() (LifecycleState, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state, h.progress
}

// CurrentRequest returns the request of the active (or most recent)
// lifecycle.
func (h *Handler) CurrentRequest() models.AnalysisRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.request
}

// Reset returns the handler to Idle so a new analysis can be requested after
// a terminal event has been consumed.
func (h *Handler) Reset() {
	h.mu.Lock()
	h.state = StateIdle
	h.progress = 0
	h.stopWatchdogLocked()
	h.mu.Unlock()
}

// OnStart registers fn for analysis-start events.
func (h *Handler) OnStart(fn func()) events.Subscription {
	return h.startEv.Subscribe(func(struct{}) { fn() })
}

// OffStart removes a start subscription.
func (h *Handler) OffStart(sub events.Subscription) { h.startEv.Unsubscribe(sub) }

// OnProgress registers fn for analysis-progress events.
func (h *Handler) OnProgress(fn func(models.ProgressUpdate)) events.Subscription {
	return h.progressEv.Subscribe(fn)
}

// OffProgress removes a progress subscription.
func (h *Handler) OffProgress(sub events.Subscription) { h.progressEv.Unsubscribe(sub) }

// OnComplete registers fn for the terminal success event.
func (h *Handler) OnComplete(fn func(models.NutritionResult)) events.Subscription {
	return h.completeEv.Subscribe(fn)
}

// OffComplete removes a complete subscription.
func (h *Handler) OffComplete(sub events.Subscription) { h.completeEv.Unsubscribe(sub) }

// OnError registers fn for the terminal failure event.
func (h *Handler) OnError(fn func(string)) events.Subscription {
	return h.errorEv.Subscribe(fn)
}

// OffError removes an error subscription.
func (h *Handler) OffError(sub events.Subscription) { h.errorEv.Unsubscribe(sub) }

func (h *Handler) onStart(json.RawMessage) {
	h.mu.Lock()
	h.state = StateAnalyzing
	h.progress = 0
	h.armWatchdogLocked()
	h.mu.Unlock()

	h.logger.Debug("analysis started")
	h.startEv.Emit(struct{}{})
}

func (h *Handler) onProgress(data json.RawMessage) {
	var update models.ProgressUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		h.logger.Warn("malformed progress event", "err", err)
		return
	}

	h.mu.Lock()
	h.progress = update.Progress
	h.mu.Unlock()

	h.logger.Debug("analysis progress", "progress", update.Progress, "message", update.Message)
	h.progressEv.Emit(update)
}

func (h *Handler) onComplete(data json.RawMessage) {
	var result models.NutritionResult
	if err := json.Unmarshal(data, &result); err != nil {
		h.logger.Warn("malformed complete event", "err", err)
		return
	}

	h.mu.Lock()
	h.state = StateComplete
	h.progress = 100
	h.stopWatchdogLocked()
	h.mu.Unlock()

	h.logger.Info("analysis complete", "food", result.FoodName, "calories", result.Calories)
	h.completeEv.Emit(result)
}

func (h *Handler) onError(data json.RawMessage) {
	var ae models.AnalysisError
	if err := json.Unmarshal(data, &ae); err != nil {
		h.logger.Warn("malformed error event", "err", err)
		return
	}

	h.mu.Lock()
	h.state = StateError
	h.stopWatchdogLocked()
	h.mu.Unlock()

	h.logger.Warn("analysis failed", "message", ae.Message)
	h.errorEv.Emit(ae.Message)
}

// armWatchdogLocked (re)starts the deadline timer for the active lifecycle.
func (h *Handler) armWatchdogLocked() {
	h.stopWatchdogLocked()
	if h.timeout <= 0 {
		return
	}
	h.watchdog = time.AfterFunc(h.timeout, h.watchdogExpired)
}

func (h *Handler) stopWatchdogLocked() {
	if h.watchdog != nil {
		h.watchdog.Stop()
		h.watchdog = nil
	}
}

// watchdogExpired synthesizes a local terminal error when no terminal event
// arrived within the deadline. A real terminal event that races ahead of the
// timer wins: it stops the watchdog and this becomes a no-op.
func (h *Handler) watchdogExpired() {
	h.mu.Lock()
	if h.state != StateAnalyzing {
		h.mu.Unlock()
		return
	}
	h.state = StateError
	h.watchdog = nil
	h.mu.Unlock()

	h.logger.Warn("analysis timed out", "timeout", h.timeout)
	h.errorEv.Emit("analysis timed out")
}
