package engine

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tagtrader/internal/types"
)

const (
	reportVersion     = 1
	defaultReportFile = "./report.json"
)

// ReportPersistence writes the controller status report to disk.
// The report is informational: counters are never restored from it.
type ReportPersistence struct {
	filePath     string
	logger       *zap.SugaredLogger
	mu           sync.Mutex
	lastSave     time.Time
	saveInterval time.Duration
	dirty        bool
}

// NewReportPersistence creates a report writer. A zero interval defaults to 30s.
func NewReportPersistence(filePath string, saveInterval time.Duration, logger *zap.SugaredLogger) *ReportPersistence {
	if filePath == "" {
		filePath = defaultReportFile
	}
	if saveInterval <= 0 {
		saveInterval = 30 * time.Second
	}

	return &ReportPersistence{
		filePath:     filePath,
		logger:       logger,
		saveInterval: saveInterval,
	}
}

// Load reads the last report, if any. A missing file or a foreign version yields nil.
func (p *ReportPersistence) Load() (*types.StatusReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Infow("[PERSISTENCE] No previous report, starting fresh",
				"path", p.filePath,
			)
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read report file")
	}

	var report types.StatusReport
	if err := sonic.Unmarshal(data, &report); err != nil {
		return nil, errors.Wrap(err, "failed to parse report file")
	}

	if report.Version != reportVersion {
		p.logger.Warnw("[PERSISTENCE] Report version mismatch, ignoring",
			"file_version", report.Version,
			"expected_version", reportVersion,
		)
		return nil, nil
	}

	p.logger.Infow("[PERSISTENCE] Previous report loaded",
		"path", p.filePath,
		"trades", report.Status.ClosedTradeCount,
		"score", report.Status.ScorePoints,
		"saved_at", report.SavedAt.Format(time.RFC3339),
	)

	return &report, nil
}

// Save writes the report atomically
func (p *ReportPersistence) Save(status types.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.saveUnsafe(status)
}

// saveUnsafe performs the write; caller must hold the lock
func (p *ReportPersistence) saveUnsafe(status types.Status) error {
	report := types.StatusReport{
		Status:  status,
		SavedAt: time.Now(),
		Version: reportVersion,
	}

	data, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal report")
	}

	dir := filepath.Dir(p.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create report directory")
	}

	tempFile := p.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write temp report file")
	}

	if err := os.Rename(tempFile, p.filePath); err != nil {
		os.Remove(tempFile)
		return errors.Wrap(err, "failed to rename report file")
	}

	p.lastSave = time.Now()
	p.dirty = false

	p.logger.Debugw("[PERSISTENCE] Report saved",
		"path", p.filePath,
		"trades", status.ClosedTradeCount,
		"score", status.ScorePoints,
	)

	return nil
}

// MarkDirty flags the report as stale
func (p *ReportPersistence) MarkDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = true
}

// ShouldSave reports whether the report is stale and the interval has elapsed
func (p *ReportPersistence) ShouldSave() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty && time.Since(p.lastSave) >= p.saveInterval
}

// ForceSave writes regardless of the dirty flag or interval
func (p *ReportPersistence) ForceSave(status types.Status) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saveUnsafe(status)
}

// StartPeriodicSave writes the report on an interval until stopChan closes,
// then writes it one last time.
func (p *ReportPersistence) StartPeriodicSave(status func() types.Status, stopChan <-chan struct{}) {
	ticker := time.NewTicker(p.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopChan:
			if err := p.ForceSave(status()); err != nil {
				p.logger.Errorw("[PERSISTENCE] Failed to save report on shutdown",
					"error", err,
				)
			} else {
				p.logger.Infow("[PERSISTENCE] Final report saved on shutdown")
			}
			return
		case <-ticker.C:
			if p.ShouldSave() {
				if err := p.Save(status()); err != nil {
					p.logger.Errorw("[PERSISTENCE] Failed to save report",
						"error", err,
					)
				}
			}
		}
	}
}

// Delete removes the report file
func (p *ReportPersistence) Delete() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.filePath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete report file")
	}

	p.logger.Infow("[PERSISTENCE] Report file deleted", "path", p.filePath)
	return nil
}

// Previous returns the last run's report, or deletes it and returns nil when reset is set
func (p *ReportPersistence) Previous(reset bool) (*types.StatusReport, error) {
	if reset {
		return nil, p.Delete()
	}
	return p.Load()
}

// FilePath returns the report path
func (p *ReportPersistence) FilePath() string {
	return p.filePath
}
