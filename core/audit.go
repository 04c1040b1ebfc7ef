package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditLogLevel defines the verbosity of the audit trail
type AuditLogLevel string

const (
	// AuditLogLevelMinimal logs only warnings and errors and never content
	AuditLogLevelMinimal AuditLogLevel = "minimal"

	// AuditLogLevelStandard logs every event with truncated previews
	AuditLogLevelStandard AuditLogLevel = "standard"

	// AuditLogLevelVerbose logs every event including full previews
	AuditLogLevelVerbose AuditLogLevel = "verbose"
)

// AuditLogSeverity defines the severity of audit events
type AuditLogSeverity string

const (
	SeverityInfo    AuditLogSeverity = "info"
	SeverityWarning AuditLogSeverity = "warning"
	SeverityError   AuditLogSeverity = "error"
)

// Audit event types
const (
	EventIncidentRecorded = "incident_recorded"
	EventIncidentStatus   = "incident_status_changed"
	EventIncidentDeleted  = "incident_deleted"
	EventSettingsSaved    = "settings_saved"
	EventScan             = "document_scanned"
	EventValueTokenized   = "value_tokenized"
	EventValueRevealed    = "value_detokenized"
	EventTokenRevoked     = "token_revoked"
)

// previewLimit caps previews in standard mode
const previewLimit = 100

// AuditEvent is one line of the JSONL audit trail
type AuditEvent struct {
	EventID   string           `json:"event_id"`
	Timestamp string           `json:"timestamp"`
	EventType string           `json:"event_type"`
	Severity  AuditLogSeverity `json:"severity"`

	IncidentID     string   `json:"incident_id,omitempty"`
	DocumentID     string   `json:"document_id,omitempty"`
	PIITypes       []string `json:"pii_types,omitempty"`
	Status         Status   `json:"status,omitempty"`
	PreviousStatus Status   `json:"previous_status,omitempty"`

	Preview  string            `json:"preview,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AuditTrail appends incident and settings events to a writer as JSON lines.
// A nil *AuditTrail discards events.
type AuditTrail struct {
	mu     sync.Mutex
	writer io.Writer
	level  AuditLogLevel
	now    func() time.Time
}

// NewAuditTrail creates an audit trail writing to w
func NewAuditTrail(w io.Writer, level AuditLogLevel) *AuditTrail {
	if level == "" {
		level = AuditLogLevelStandard
	}
	return &AuditTrail{writer: w, level: level, now: time.Now}
}

// OpenAuditFile opens path for appending, creating its directory if needed.
func OpenAuditFile(path string) (*os.File, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return f, nil
}

// Log writes an event, filling in id, timestamp and severity when unset.
func (a *AuditTrail) Log(event AuditEvent) error {
	if a == nil || a.writer == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	// Minimal mode keeps only what needs attention
	if a.level == AuditLogLevelMinimal && event.Severity == SeverityInfo {
		return nil
	}

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.Timestamp == "" {
		event.Timestamp = a.now().UTC().Format(time.RFC3339Nano)
	}

	switch a.level {
	case AuditLogLevelMinimal:
		if event.Preview != "" {
			event.Preview = "[redacted]"
		}
	case AuditLogLevelStandard:
		if len(event.Preview) > previewLimit {
			event.Preview = truncateUTF8(event.Preview, previewLimit) + "... [truncated]"
		}
	}

	entry, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	if _, err := fmt.Fprintln(a.writer, string(entry)); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
