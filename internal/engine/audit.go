package engine

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// auditRecord is one line of the switch audit trail.
type auditRecord struct {
	At          time.Time `json:"at"`
	Event       string    `json:"event"`
	SwitchID    int64     `json:"switch_id"`
	RequestedBy string    `json:"requested_by,omitempty"`
	SourceIP    string    `json:"source_ip,omitempty"`
	FromModel   string    `json:"from_model,omitempty"`
	ToModel     string    `json:"to_model"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
}

// auditLog appends JSON-lines records of every terminal switch outcome.
// Audit failures are logged, never fatal: losing a trail line must not fail
// a switch.
type auditLog struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger
}

func newAuditLog(path string, log zerolog.Logger) *auditLog {
	return &auditLog{path: path, log: log.With().Str("component", "audit").Logger()}
}

func (a *auditLog) append(rec auditRecord) {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		a.log.Error().Err(err).Msg("marshal audit record")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.log.Error().Err(err).Str("path", a.path).Msg("open audit file")
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		a.log.Error().Err(err).Str("path", a.path).Msg("write audit record")
	}
}
