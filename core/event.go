package core

import (
	"time"

	"github.com/google/uuid"
)

// Event represents the common schema for all security events consumed
// from the upstream event store. Events are immutable once received;
// the engine holds them only for the duration of one pipeline pass.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Stream    string                 `json:"stream"`
	Severity  string                 `json:"severity"`
	Fields    map[string]interface{} `json:"fields"`
}

// NewEvent creates a new Event with a generated UUID.
func NewEvent() *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Fields:    make(map[string]interface{}),
	}
}

// Field returns the named field and whether it is present.
func (e *Event) Field(name string) (interface{}, bool) {
	if e.Fields == nil {
		return nil, false
	}
	v, ok := e.Fields[name]
	return v, ok
}

// Severity levels recognized across the platform, lowest to highest.
const (
	SeverityDebug    = "debug"
	SeverityInfo     = "info"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityRanks = map[string]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityLow:      2,
	SeverityMedium:   3,
	SeverityHigh:     4,
	SeverityCritical: 5,
}

// SeverityRank returns the ordinal rank of a severity label.
// Unknown labels rank below debug so a severity_min filter never
// matches garbage input by accident.
func SeverityRank(severity string) int {
	if rank, ok := severityRanks[severity]; ok {
		return rank
	}
	return -1
}

// IsCritical reports whether an event must never be dropped by lossy
// intake.
func (e *Event) IsCritical() bool {
	return SeverityRank(e.Severity) >= severityRanks[SeverityCritical]
}
