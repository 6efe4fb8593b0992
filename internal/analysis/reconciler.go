package analysis

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/olliefit/nutriscan/internal/events"
	"github.com/olliefit/nutriscan/internal/models"
)

// Status is the reconciled, UI-facing view of the analysis lifecycle.
type Status int

const (
	StatusIdle Status = iota
	StatusAnalyzing
	StatusComplete
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusAnalyzing:
		return "analyzing"
	case StatusComplete:
		return "complete"
	case StatusError:
		return "error"
	default:
		return "idle"
	}
}

// Snapshot is the state record the UI renders from. Result survives a later,
// unrelated error; progress is monotonic within one lifecycle.
type Snapshot struct {
	Status          Status
	ProgressPercent int
	ProgressMessage string
	Result          *models.NutritionResult
	ErrorMessage    string
}

// ItemStore persists completed results. Only results the server assigned an
// id to are considered durable and written through.
type ItemStore interface {
	SaveItem(ctx context.Context, item *models.NutritionItem) error
}

// ReconcilerOptions configures a Reconciler. Items and UserID are optional;
// without them completed results are held in the snapshot only.
type ReconcilerOptions struct {
	Items  ItemStore
	UserID string
	Logger *log.Logger
}

// Reconciler folds the handler's event stream into a de-duplicated,
// monotonic state record. It subscribes once to all four event kinds and
// stays subscribed until Close.
type Reconciler struct {
	handler *Handler
	items   ItemStore
	userID  string
	logger  *log.Logger

	mu   sync.Mutex
	snap Snapshot

	startSub    events.Subscription
	progressSub events.Subscription
	completeSub events.Subscription
	errorSub    events.Subscription
}

// NewReconciler subscribes to h and begins tracking its lifecycle.
func NewReconciler(h *Handler, opts ReconcilerOptions) *Reconciler {
	r := &Reconciler{
		handler: h,
		items:   opts.Items,
		userID:  opts.UserID,
		logger:  opts.Logger,
	}
	if r.logger == nil {
		r.logger = log.Default()
	}

	r.startSub = h.OnStart(r.onStart)
	r.progressSub = h.OnProgress(r.onProgress)
	r.completeSub = h.OnComplete(r.onComplete)
	r.errorSub = h.OnError(r.onError)
	return r
}

// Close unsubscribes the reconciler from the handler. Required on teardown
// so remounting an owning context cannot double-subscribe.
func (r *Reconciler) Close() {
	r.handler.OffStart(r.startSub)
	r.handler.OffProgress(r.progressSub)
	r.handler.OffComplete(r.completeSub)
	r.handler.OffError(r.errorSub)
}

// Snapshot returns a copy of the current reconciled state.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

func (r *Reconciler) onStart() {
	r.mu.Lock()
	r.snap.Status = StatusAnalyzing
	r.snap.ProgressPercent = 0
	r.snap.ProgressMessage = "Starting analysis..."
	r.snap.ErrorMessage = ""
	r.mu.Unlock()
}

// onProgress applies an update only while analyzing and never moves the
// percentage backwards. Events arriving outside an active lifecycle are
// stale and dropped here.
func (r *Reconciler) onProgress(update models.ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.Status != StatusAnalyzing {
		return
	}
	if update.Progress < r.snap.ProgressPercent {
		return
	}
	r.snap.ProgressPercent = update.Progress
	r.snap.ProgressMessage = update.Message
}

func (r *Reconciler) onComplete(result models.NutritionResult) {
	r.mu.Lock()
	r.snap.Status = StatusComplete
	r.snap.ProgressPercent = 100
	r.snap.ProgressMessage = "Analysis complete!"
	r.snap.Result = &result
	r.snap.ErrorMessage = ""
	r.mu.Unlock()

	// A server-assigned id means the result is durable; mirror it locally.
	if result.ID != "" && r.items != nil {
		item := models.ItemFromResult(r.userID, r.handler.CurrentRequest(), result)
		if err := r.items.SaveItem(context.Background(), item); err != nil {
			r.logger.Error("persisting nutrition item failed", "id", result.ID, "err", err)
		}
	}
}

// onError records the failure but keeps any result completed by a prior,
// unrelated analysis.
func (r *Reconciler) onError(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Status = StatusError
	r.snap.ErrorMessage = message
}
