package playbook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const validPlaybook = `
id: block-honeypot-ips
name: Block honeypot attackers
enabled: true
trigger:
  service: honeypot
  stream: auth
  severity_min: medium
conditions:
  - field: source_ip
    operator: regex_match
    value: '^(?!10\.)'
actions:
  - type: block_ip
    params:
      ip: "{{fields.source_ip}}"
cooldown_seconds: 3600
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	return NewStore(dir, zap.NewNop().Sugar())
}

func TestLoadValidPlaybook(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "block.yaml", validPlaybook)

	store := newTestStore(t, dir)
	loaded, invalid, err := store.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.Empty(t, invalid)

	p, ok := store.Snapshot().Get("block-honeypot-ips")
	require.True(t, ok)
	assert.True(t, p.Enabled)
	assert.Equal(t, "honeypot", p.Trigger.Service)
	assert.Equal(t, 3600, p.CooldownSeconds)
	require.Len(t, p.Actions, 1)
	assert.Equal(t, "block_ip", p.Actions[0].Type)
}

func TestMalformedFileIsSkippedNotFatal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "good.yaml", validPlaybook)
	writeFile(t, dir, "bad.yaml", "id: broken\n\tthis is not yaml")

	store := newTestStore(t, dir)
	loaded, invalid, err := store.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	require.Len(t, invalid, 1)
	assert.Equal(t, "bad.yaml", invalid[0].File)
}

func TestMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"no id", "name: x\ntrigger: {service: a}\nactions: [{type: notify, params: {message: m}}]"},
		{"no trigger", "id: x\nactions: [{type: notify, params: {message: m}}]"},
		{"no actions", "id: x\ntrigger: {service: a}"},
		{"unknown operator", `
id: x
trigger: {service: a}
conditions: [{field: f, operator: looks_like, value: v}]
actions: [{type: notify, params: {message: m}}]`},
		{"unknown severity", `
id: x
trigger: {service: a, severity_min: catastrophic}
actions: [{type: notify, params: {message: m}}]`},
		{"negative cooldown", `
id: x
trigger: {service: a}
cooldown_seconds: -5
actions: [{type: notify, params: {message: m}}]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "pb.yaml", tc.content)

			store := newTestStore(t, dir)
			loaded, invalid, err := store.Reload()
			require.NoError(t, err)
			assert.Equal(t, 0, loaded)
			assert.NotEmpty(t, invalid)
		})
	}
}

func TestDuplicateIDSecondSkipped(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", validPlaybook)
	writeFile(t, dir, "b.yaml", validPlaybook)

	store := newTestStore(t, dir)
	loaded, invalid, err := store.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	require.Len(t, invalid, 1)
	assert.Contains(t, invalid[0].Reason, "duplicate id")
}

func TestMultiPlaybookFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "multi.yaml", `
playbooks:
  - id: first
    trigger: {service: a}
    actions: [{type: notify, params: {message: m}}]
  - id: second
    trigger: {service: b}
    actions: [{type: notify, params: {message: m}}]
`)

	store := newTestStore(t, dir)
	loaded, invalid, err := store.Reload()
	require.NoError(t, err)
	assert.Empty(t, invalid)
	assert.Equal(t, 2, loaded)
}

func TestPriorityOrdering(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "pbs.yaml", `
playbooks:
  - id: zebra
    priority: 10
    trigger: {service: a}
    actions: [{type: notify, params: {message: m}}]
  - id: alpha
    priority: 10
    trigger: {service: a}
    actions: [{type: notify, params: {message: m}}]
  - id: urgent
    priority: 99
    trigger: {service: a}
    actions: [{type: notify, params: {message: m}}]
`)

	store := newTestStore(t, dir)
	_, _, err := store.Reload()
	require.NoError(t, err)

	ids := make([]string, 0)
	for _, p := range store.Snapshot().Playbooks {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"urgent", "alpha", "zebra"}, ids)
}

func TestEnabledFalseIsLoadedButExcluded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "off.yaml", `
id: disabled-pb
enabled: false
trigger: {service: a}
actions: [{type: notify, params: {message: m}}]
`)

	store := newTestStore(t, dir)
	loaded, _, err := store.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.Empty(t, store.Snapshot().Enabled())
}

func TestReloadSwapsSnapshotAtomically(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "block.yaml", validPlaybook)

	store := newTestStore(t, dir)
	_, _, err := store.Reload()
	require.NoError(t, err)
	old := store.Snapshot()

	writeFile(t, dir, "extra.yaml", `
id: extra
trigger: {service: b}
actions: [{type: notify, params: {message: m}}]
`)
	_, _, err = store.Reload()
	require.NoError(t, err)

	// The old snapshot is untouched; the new one sees both playbooks.
	assert.Len(t, old.Playbooks, 1)
	assert.Len(t, store.Snapshot().Playbooks, 2)
}

func TestInvalidRegexPinsClauseNotLoadFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "re.yaml", `
id: bad-regex
trigger: {service: a}
conditions: [{field: f, operator: regex_match, value: '('}]
actions: [{type: notify, params: {message: m}}]
`)

	store := newTestStore(t, dir)
	loaded, invalid, err := store.Reload()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded, "a bad pattern disables its clause, not the playbook")
	assert.Empty(t, invalid)

	p, ok := store.Snapshot().Get("bad-regex")
	require.True(t, ok)
	assert.True(t, p.Conditions[0].invalid)
}

func TestMissingDirectoryIsError(t *testing.T) {
	store := newTestStore(t, "/nonexistent/playbooks")
	_, _, err := store.Reload()
	assert.Error(t, err)
}

func TestTriggerFields(t *testing.T) {
	p := &Playbook{
		Conditions: []ConditionClause{
			{Field: "source_ip", Operator: OperatorEquals, Value: "x"},
			{Field: "username", Operator: OperatorEquals, Value: "y"},
			{Field: "source_ip", Operator: OperatorContains, Value: "z"},
		},
	}
	assert.ElementsMatch(t, []string{"source_ip", "username"}, p.TriggerFields())

	p.FingerprintFields = []string{"source_ip"}
	assert.Equal(t, []string{"source_ip"}, p.TriggerFields())
}
