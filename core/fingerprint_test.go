package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testEvent(fields map[string]interface{}) *Event {
	e := NewEvent()
	e.Service = "honeypot"
	e.Stream = "auth"
	e.Severity = SeverityHigh
	e.Fields = fields
	return e
}

func TestFingerprintStableAcrossFieldOrder(t *testing.T) {
	a := testEvent(map[string]interface{}{"source_ip": "10.0.0.1", "username": "root"})
	b := testEvent(map[string]interface{}{"username": "root", "source_ip": "10.0.0.1"})

	fpA := Fingerprint("pb-1", a, []string{"source_ip", "username"})
	fpB := Fingerprint("pb-1", b, []string{"username", "source_ip"})
	assert.Equal(t, fpA, fpB)
}

func TestFingerprintIgnoresEventID(t *testing.T) {
	a := testEvent(map[string]interface{}{"source_ip": "10.0.0.1"})
	b := testEvent(map[string]interface{}{"source_ip": "10.0.0.1"})
	assert.NotEqual(t, a.ID, b.ID)

	fpA := Fingerprint("pb-1", a, []string{"source_ip"})
	fpB := Fingerprint("pb-1", b, []string{"source_ip"})
	assert.Equal(t, fpA, fpB, "two events differing only in id must collapse to one fingerprint")
}

func TestFingerprintVariesByPlaybook(t *testing.T) {
	e := testEvent(map[string]interface{}{"source_ip": "10.0.0.1"})
	assert.NotEqual(t,
		Fingerprint("pb-1", e, []string{"source_ip"}),
		Fingerprint("pb-2", e, []string{"source_ip"}))
}

func TestFingerprintVariesByFieldValue(t *testing.T) {
	a := testEvent(map[string]interface{}{"source_ip": "10.0.0.1"})
	b := testEvent(map[string]interface{}{"source_ip": "10.0.0.2"})
	assert.NotEqual(t,
		Fingerprint("pb-1", a, []string{"source_ip"}),
		Fingerprint("pb-1", b, []string{"source_ip"}))
}

func TestFingerprintVariesByServiceAndStream(t *testing.T) {
	a := testEvent(map[string]interface{}{"source_ip": "10.0.0.1"})
	b := testEvent(map[string]interface{}{"source_ip": "10.0.0.1"})
	b.Service = "edge"

	assert.NotEqual(t,
		Fingerprint("pb-1", a, []string{"source_ip"}),
		Fingerprint("pb-1", b, []string{"source_ip"}))
}

func TestFingerprintAbsentFieldsDiffer(t *testing.T) {
	withField := testEvent(map[string]interface{}{"source_ip": "10.0.0.1"})
	without := testEvent(map[string]interface{}{})

	assert.NotEqual(t,
		Fingerprint("pb-1", withField, []string{"source_ip"}),
		Fingerprint("pb-1", without, []string{"source_ip"}))
}

func TestSeverityRankUnknownIsBelowDebug(t *testing.T) {
	assert.Equal(t, -1, SeverityRank("bogus"))
	assert.Less(t, SeverityRank("bogus"), SeverityRank(SeverityDebug))
}

func TestIsCritical(t *testing.T) {
	e := testEvent(nil)
	e.Severity = SeverityCritical
	assert.True(t, e.IsCritical())
	e.Severity = SeverityHigh
	assert.False(t, e.IsCritical())
}
