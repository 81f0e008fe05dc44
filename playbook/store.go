package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sentinel/core"
)

// Snapshot is an immutable view of the loaded playbook set. Evaluators
// always read one consistent snapshot per event; a reload swaps the
// whole snapshot atomically and never mutates a published one.
type Snapshot struct {
	Playbooks []*Playbook
	LoadedAt  time.Time
}

// Enabled returns the enabled playbooks in processing order
// (priority descending, ties broken by id).
func (s *Snapshot) Enabled() []*Playbook {
	out := make([]*Playbook, 0, len(s.Playbooks))
	for _, p := range s.Playbooks {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Get returns a playbook by id.
func (s *Snapshot) Get(id string) (*Playbook, bool) {
	for _, p := range s.Playbooks {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// Store loads playbook definitions from a directory and publishes them
// as atomic snapshots.
type Store struct {
	dir      string
	logger   *zap.SugaredLogger
	validate *validator.Validate
	snap     atomic.Pointer[Snapshot]
}

// NewStore creates a Store for the given playbooks directory. Call
// Reload to perform the initial load.
func NewStore(dir string, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Store{
		dir:      dir,
		logger:   logger,
		validate: validator.New(),
	}
	s.snap.Store(&Snapshot{LoadedAt: time.Now()})
	return s
}

// Snapshot returns the current playbook snapshot. The returned value
// is immutable; in-flight evaluations keep whatever snapshot they
// started with across reloads.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Reload re-reads the playbooks directory and atomically swaps the
// active snapshot. A malformed playbook is skipped and reported in the
// returned slice; the rest load normally. Reload only returns an error
// when the directory itself cannot be read.
func (s *Store) Reload() (int, []*ValidationError, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read playbooks directory %s: %w", s.dir, err)
	}

	var loaded []*Playbook
	var invalid []*ValidationError
	seen := make(map[string]string) // id -> file

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())

		playbooks, parseErrs := s.loadFile(path)
		invalid = append(invalid, parseErrs...)

		for _, p := range playbooks {
			if verr := s.validatePlaybook(p, entry.Name()); verr != nil {
				invalid = append(invalid, verr)
				continue
			}
			if prev, dup := seen[p.ID]; dup {
				invalid = append(invalid, &ValidationError{
					File:       entry.Name(),
					PlaybookID: p.ID,
					Reason:     fmt.Sprintf("duplicate id, already defined in %s", prev),
				})
				continue
			}
			seen[p.ID] = entry.Name()
			s.compileConditions(p)
			loaded = append(loaded, p)
		}
	}

	sort.Slice(loaded, func(i, j int) bool {
		if loaded[i].Priority != loaded[j].Priority {
			return loaded[i].Priority > loaded[j].Priority
		}
		return loaded[i].ID < loaded[j].ID
	})

	for _, verr := range invalid {
		s.logger.Warnw("Skipping invalid playbook",
			"file", verr.File,
			"playbook_id", verr.PlaybookID,
			"reason", verr.Reason)
	}

	s.snap.Store(&Snapshot{Playbooks: loaded, LoadedAt: time.Now()})
	s.logger.Infow("Playbooks loaded",
		"dir", s.dir,
		"loaded", len(loaded),
		"skipped", len(invalid))

	return len(loaded), invalid, nil
}

// loadFile parses one definition file, which may hold a single
// playbook, a bare list, or a mapping with a top-level playbooks key.
func (s *Store) loadFile(path string) ([]*Playbook, []*ValidationError) {
	file := filepath.Base(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []*ValidationError{{File: file, Reason: fmt.Sprintf("unreadable: %v", err)}}
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, []*ValidationError{{File: file, Reason: fmt.Sprintf("malformed YAML: %v", err)}}
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, nil // empty file
	}
	doc := root.Content[0]

	decodeList := func(node *yaml.Node) ([]*Playbook, []*ValidationError) {
		var playbooks []*Playbook
		var errs []*ValidationError
		for _, item := range node.Content {
			p := &Playbook{Enabled: true}
			if err := item.Decode(p); err != nil {
				errs = append(errs, &ValidationError{File: file, Reason: fmt.Sprintf("malformed playbook entry: %v", err)})
				continue
			}
			playbooks = append(playbooks, p)
		}
		return playbooks, errs
	}

	switch doc.Kind {
	case yaml.SequenceNode:
		return decodeList(doc)
	case yaml.MappingNode:
		for i := 0; i+1 < len(doc.Content); i += 2 {
			if doc.Content[i].Value == "playbooks" && doc.Content[i+1].Kind == yaml.SequenceNode {
				return decodeList(doc.Content[i+1])
			}
		}
		p := &Playbook{Enabled: true}
		if err := doc.Decode(p); err != nil {
			return nil, []*ValidationError{{File: file, Reason: fmt.Sprintf("malformed playbook: %v", err)}}
		}
		return []*Playbook{p}, nil
	default:
		return nil, []*ValidationError{{File: file, Reason: "unsupported document structure"}}
	}
}

// validatePlaybook enforces the definition rules: non-empty unique id,
// a trigger, at least one action, recognized operators and severities,
// and non-negative cooldown and retry settings.
func (s *Store) validatePlaybook(p *Playbook, file string) *ValidationError {
	fail := func(reason string) *ValidationError {
		return &ValidationError{File: file, PlaybookID: p.ID, Reason: reason}
	}

	if err := s.validate.Struct(p); err != nil {
		return fail(err.Error())
	}
	if p.Trigger.Empty() {
		return fail("trigger is required")
	}
	if p.Trigger.SeverityMin != "" && core.SeverityRank(p.Trigger.SeverityMin) < 0 {
		return fail(fmt.Sprintf("unknown severity_min %q", p.Trigger.SeverityMin))
	}
	switch p.Combine {
	case "":
		p.Combine = CombineAND
	case CombineAND, CombineOR:
	default:
		return fail(fmt.Sprintf("unknown combine mode %q", p.Combine))
	}
	for i, clause := range p.Conditions {
		if clause.Field == "" {
			return fail(fmt.Sprintf("condition %d: field is required", i))
		}
		if _, ok := knownOperators[clause.Operator]; !ok {
			return fail(fmt.Sprintf("condition %d: unknown operator %q", i, clause.Operator))
		}
	}
	return nil
}

// compileConditions compiles regex_match patterns once per load. A
// pattern that fails to compile is logged once and pins its clause to
// always-false; it never crashes the pipeline.
func (s *Store) compileConditions(p *Playbook) {
	for i := range p.Conditions {
		clause := &p.Conditions[i]
		if clause.Operator != OperatorRegexMatch {
			continue
		}
		pattern := fmt.Sprintf("%v", clause.Value)
		re, err := regexp2.Compile(pattern, regexp2.None)
		if err != nil {
			clause.invalid = true
			s.logger.Warnw("Invalid regex pattern, clause will never match",
				"playbook_id", p.ID,
				"field", clause.Field,
				"pattern", pattern,
				"error", err)
			continue
		}
		re.MatchTimeout = RegexMatchTimeout
		clause.re = re
	}
}
