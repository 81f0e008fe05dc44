// Package playbook implements the declarative automation rules of the
// SOAR engine: loading and validating playbook definitions, and
// evaluating them against events.
package playbook

import (
	"fmt"
	"time"

	"github.com/dlclark/regexp2"
)

// Operator identifies a condition comparison operator.
type Operator string

const (
	OperatorEquals     Operator = "equals"
	OperatorNotEquals  Operator = "not_equals"
	OperatorContains   Operator = "contains"
	OperatorRegexMatch Operator = "regex_match"
	OperatorGt         Operator = "gt"
	OperatorLt         Operator = "lt"
	OperatorInSet      Operator = "in_set"
)

// knownOperators is the closed set accepted at load time. Unknown
// operators are a ValidationError, never deferred to runtime.
var knownOperators = map[Operator]struct{}{
	OperatorEquals:     {},
	OperatorNotEquals:  {},
	OperatorContains:   {},
	OperatorRegexMatch: {},
	OperatorGt:         {},
	OperatorLt:         {},
	OperatorInSet:      {},
}

// CombineMode controls how condition clauses combine.
type CombineMode string

const (
	CombineAND CombineMode = "AND"
	CombineOR  CombineMode = "OR"
)

// RegexMatchTimeout bounds a single regex_match evaluation. A pattern
// that exceeds it evaluates to false for that event.
const RegexMatchTimeout = 100 * time.Millisecond

// EventFilter is the cheap stage-1 pre-filter applied before field
// conditions. Empty fields match everything.
type EventFilter struct {
	Service     string `yaml:"service,omitempty" json:"service,omitempty"`
	Stream      string `yaml:"stream,omitempty" json:"stream,omitempty"`
	SeverityMin string `yaml:"severity_min,omitempty" json:"severity_min,omitempty"`
}

// Empty reports whether the filter constrains nothing.
func (f EventFilter) Empty() bool {
	return f.Service == "" && f.Stream == "" && f.SeverityMin == ""
}

// ConditionClause is a single field comparison evaluated against
// event fields in stage 2.
type ConditionClause struct {
	Field    string      `yaml:"field" json:"field"`
	Operator Operator    `yaml:"operator" json:"operator"`
	Value    interface{} `yaml:"value" json:"value"`
	Negate   bool        `yaml:"negate,omitempty" json:"negate,omitempty"`

	// Compiled at load time for regex_match clauses. A pattern that
	// fails to compile pins the clause to always-false instead of
	// failing the pipeline.
	re      *regexp2.Regexp
	invalid bool
}

// RetryPolicy declares per-action retry behavior on failure.
type RetryPolicy struct {
	RetryCount    int `yaml:"retry_count" json:"retry_count" validate:"gte=0"`
	BackoffBaseMs int `yaml:"backoff_base_ms" json:"backoff_base_ms" validate:"gte=0"`
}

// ActionSpec declares one remediation action of a playbook.
type ActionSpec struct {
	Type      string                 `yaml:"type" json:"type" validate:"required"`
	Params    map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
	OnFailure RetryPolicy            `yaml:"on_failure,omitempty" json:"on_failure"`
}

// Playbook is a declarative automation rule: trigger + conditions +
// ordered actions. Playbooks are immutable after load; a reload
// replaces the whole set.
type Playbook struct {
	ID                string            `yaml:"id" json:"id" validate:"required"`
	Name              string            `yaml:"name" json:"name"`
	Description       string            `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled           bool              `yaml:"enabled" json:"enabled"`
	Trigger           EventFilter       `yaml:"trigger" json:"trigger"`
	Combine           CombineMode       `yaml:"combine,omitempty" json:"combine,omitempty"`
	Conditions        []ConditionClause `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Actions           []ActionSpec      `yaml:"actions" json:"actions" validate:"min=1,dive"`
	CooldownSeconds   int               `yaml:"cooldown_seconds" json:"cooldown_seconds" validate:"gte=0"`
	DryRun            bool              `yaml:"dry_run" json:"dry_run"`
	Priority          int               `yaml:"priority,omitempty" json:"priority,omitempty"`
	FingerprintFields []string          `yaml:"fingerprint_fields,omitempty" json:"fingerprint_fields,omitempty"`
}

// Cooldown returns the cooldown window as a duration.
func (p *Playbook) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

// TriggerFields returns the event fields that participate in the
// dedup fingerprint: the explicit fingerprint_fields if declared,
// otherwise every field referenced by the playbook's conditions.
func (p *Playbook) TriggerFields() []string {
	if len(p.FingerprintFields) > 0 {
		return p.FingerprintFields
	}
	seen := make(map[string]struct{}, len(p.Conditions))
	fields := make([]string, 0, len(p.Conditions))
	for _, clause := range p.Conditions {
		if _, dup := seen[clause.Field]; dup {
			continue
		}
		seen[clause.Field] = struct{}{}
		fields = append(fields, clause.Field)
	}
	return fields
}

// ValidationError describes one malformed playbook definition. The
// offending playbook is skipped; the rest of the set loads normally.
type ValidationError struct {
	File       string
	PlaybookID string
	Reason     string
}

func (e *ValidationError) Error() string {
	id := e.PlaybookID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("invalid playbook %s in %s: %s", id, e.File, e.Reason)
}
