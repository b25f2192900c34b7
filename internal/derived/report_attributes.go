// Package derived keeps values computed from other cache entries up to date.
// Derived keys live under the "derived_" prefix and are never sent to the
// backend.
package derived

import (
	"log/slog"
	"sync"

	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/internal/types"
)

// ReportAttributes maintains types.DerivedReportAttributes, a map from report
// ID to types.ReportAttributes. Only the reports touched by a change are
// recomputed.
type ReportAttributes struct {
	c *cache.Cache

	mu      sync.Mutex
	started bool
	ready   bool
	conns   []cache.Connection
	// transaction ID -> report ID it was last seen on
	reportOf map[string]string
}

// NewReportAttributes creates a deriver over c. Call Start to begin tracking.
func NewReportAttributes(c *cache.Cache) *ReportAttributes {
	return &ReportAttributes{
		c:        c,
		reportOf: make(map[string]string),
	}
}

// Start subscribes to reports, transactions and violations and computes the
// attributes of every cached report. Starting twice is a no-op.
func (d *ReportAttributes) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	conns := []cache.Connection{
		d.c.Subscribe(types.CollectionReport, d.onReport),
		d.c.Subscribe(types.CollectionTransaction, d.onTransaction),
		d.c.Subscribe(types.CollectionTransactionViolation, d.onViolations),
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = conns
	d.ready = true
	d.recomputeAllLocked()
}

// Stop disconnects the subscriptions. The derived key keeps its last value.
func (d *ReportAttributes) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conn := range d.conns {
		d.c.Disconnect(conn)
	}
	d.conns = nil
	d.started = false
	d.ready = false
}

// Get returns the current attributes of reportID.
func (d *ReportAttributes) Get(reportID string) (types.ReportAttributes, bool) {
	all, ok, err := cache.GetAs[map[string]types.ReportAttributes](d.c, types.DerivedReportAttributes)
	if err != nil || !ok {
		return types.ReportAttributes{}, false
	}
	attrs, ok := all[reportID]
	return attrs, ok
}

func (d *ReportAttributes) onReport(key string, _ any, _ bool) {
	_, id, ok := types.SplitKey(key)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return
	}
	d.recomputeLocked(id)
}

func (d *ReportAttributes) onTransaction(key string, value any, present bool) {
	_, id, ok := types.SplitKey(key)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return
	}

	prev := d.reportOf[id]
	next := ""
	if present {
		next = reportIDOf(value)
	}
	if next == "" {
		delete(d.reportOf, id)
	} else {
		d.reportOf[id] = next
	}

	if prev != "" && prev != next {
		d.recomputeLocked(prev)
	}
	if next != "" {
		d.recomputeLocked(next)
	}
}

func (d *ReportAttributes) onViolations(key string, _ any, _ bool) {
	_, id, ok := types.SplitKey(key)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ready {
		return
	}
	if reportID := d.reportOf[id]; reportID != "" {
		d.recomputeLocked(reportID)
	}
}

func (d *ReportAttributes) recomputeAllLocked() {
	d.reportOf = make(map[string]string)
	for key, value := range d.c.Collection(types.CollectionTransaction) {
		_, id, _ := types.SplitKey(key)
		if reportID := reportIDOf(value); reportID != "" {
			d.reportOf[id] = reportID
		}
	}

	all := make(map[string]any)
	for key := range d.c.Collection(types.CollectionReport) {
		_, id, _ := types.SplitKey(key)
		if attrs, ok := d.computeLocked(id); ok {
			all[id] = attrs
		}
	}
	if err := d.c.Set(types.DerivedReportAttributes, all); err != nil {
		slog.Error("failed to write report attributes",
			"component", "derived",
			"error", err,
		)
	}
}

func (d *ReportAttributes) recomputeLocked(reportID string) {
	if reportID == types.UnreportedReportID {
		return
	}
	var value any
	if attrs, ok := d.computeLocked(reportID); ok {
		value = attrs
	}
	// A nil member removes the report's entry.
	if err := d.c.Merge(types.DerivedReportAttributes, map[string]any{reportID: value}); err != nil {
		slog.Error("failed to write report attributes",
			"component", "derived",
			"report_id", reportID,
			"error", err,
		)
	}
}

func (d *ReportAttributes) computeLocked(reportID string) (types.ReportAttributes, bool) {
	report, ok, err := cache.GetAs[types.Report](d.c, types.Key(types.CollectionReport, reportID))
	if err != nil || !ok {
		return types.ReportAttributes{}, false
	}

	attrs := types.ReportAttributes{
		ReportName: ReportName(report),
		Total:      report.Total,
		HasPending: report.PendingAction != "",
	}
	for txID, rid := range d.reportOf {
		if rid != reportID {
			continue
		}
		attrs.TransactionCount++
		tx, ok, err := cache.GetAs[types.Transaction](d.c, types.Key(types.CollectionTransaction, txID))
		if err == nil && ok && tx.PendingAction != "" {
			attrs.HasPending = true
		}
		v, ok, err := cache.GetAs[[]types.Violation](d.c, types.Key(types.CollectionTransactionViolation, txID))
		if err == nil && ok && hasBlockingViolation(v) {
			attrs.HasViolations = true
		}
	}
	return attrs, true
}

// ReportName is the display name of a report. Reports without a name are
// named after their ID.
func ReportName(r types.Report) string {
	if r.ReportName != "" {
		return r.ReportName
	}
	return "Expense Report #" + r.ReportID
}

func hasBlockingViolation(violations []types.Violation) bool {
	for _, v := range violations {
		if v.Type == types.ViolationTypeViolation || v.Type == "" {
			return true
		}
	}
	return false
}

func reportIDOf(value any) string {
	doc, ok := value.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := doc["reportID"].(string)
	return id
}
