package ledger

import (
	"time"

	"github.com/qalgo/odte-trader/internal/observ"
)

// AuditRecord is one entry in the append-only audit trail: mesh producer
// scores, order submissions, reconciliation summaries. Kind names the
// record type; Data is whatever the emitter wants replayed later.
type AuditRecord struct {
	Kind string         `json:"kind"`
	TS   time.Time      `json:"ts"`
	Data map[string]any `json:"data"`
}

// AuditTrail writes structured records to a durable ordered store. Write
// failures are logged, never propagated: the audit trail must not be able
// to fail a trading decision.
type AuditTrail struct {
	log AppendLog
}

func NewAuditTrail(log AppendLog) *AuditTrail {
	return &AuditTrail{log: log}
}

func (a *AuditTrail) Write(kind string, data map[string]any) {
	if a == nil || a.log == nil {
		return
	}
	rec := AuditRecord{Kind: kind, TS: time.Now().UTC(), Data: data}
	if err := a.log.Append(rec); err != nil {
		observ.Warn("audit_write_failed", map[string]any{
			"kind":  kind,
			"error": err.Error(),
		})
	}
}
