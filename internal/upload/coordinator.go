// Package upload ties asset storage to the analysis protocol: an asset must
// be durably stored before the server is ever asked to analyze it.
package upload

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/olliefit/nutriscan/internal/analysis"
	"github.com/olliefit/nutriscan/internal/models"
	"github.com/olliefit/nutriscan/internal/notify"
	"github.com/olliefit/nutriscan/internal/storage"
)

// Analyzer is the slice of the protocol handler the coordinator uses.
type Analyzer interface {
	RequestAnalysis(req models.AnalysisRequest) error
}

// Connection reports whether the transport is usable right now.
type Connection interface {
	IsConnected() bool
}

// Coordinator runs the submit flow: store the asset, then request analysis
// with the resulting reference.
type Coordinator struct {
	objects  storage.ObjectStore
	analyzer Analyzer
	conn     Connection
	notifier notify.Notifier
	logger   *log.Logger
}

// New builds a Coordinator. notifier and logger may be nil.
func New(objects storage.ObjectStore, analyzer Analyzer, conn Connection, notifier notify.Notifier, logger *log.Logger) *Coordinator {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		objects:  objects,
		analyzer: analyzer,
		conn:     conn,
		notifier: notifier,
		logger:   logger,
	}
}

// Submit stores the asset for userID and asks the server to analyze it.
// Storage strictly precedes the analysis request: a failed upload stops the
// flow before any message reaches the transport. Submit returns once the
// request is on the wire; completion is observed through the protocol
// handler's subscriptions.
func (c *Coordinator) Submit(ctx context.Context, userID string, asset storage.Asset) (*storage.UploadResult, error) {
	result, err := c.objects.Store(ctx, userID, asset)
	if err != nil {
		c.notifier.Error("Upload failed: %v", err)
		return nil, fmt.Errorf("store asset: %w", err)
	}
	c.logger.Info("asset stored", "key", result.ObjectKey, "size", result.FileSize)

	if !c.conn.IsConnected() {
		c.notifier.Error("Not connected to the server. Please refresh and try again.")
		return nil, analysis.ErrNotConnected
	}

	req := models.AnalysisRequest{
		AssetURL: result.URL,
		AssetID:  result.ObjectKey,
		FileName: result.FileName,
		FileType: result.FileType,
		FileSize: result.FileSize,
	}
	if err := c.analyzer.RequestAnalysis(req); err != nil {
		c.notifier.Error("Could not start analysis: %v", err)
		return nil, err
	}

	c.notifier.Success("Image sent for analysis!")
	return result, nil
}
