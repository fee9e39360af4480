package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Registry holds the live set of registered playbooks, optionally backed
// by a YAML catalog file that is hot-reloaded on change.
type Registry struct {
	mu        sync.RWMutex
	playbooks map[string]Playbook
	path      string
	watcher   *fsnotify.Watcher
	stop      chan struct{}
}

// New returns an empty Registry with no file backing.
func New() *Registry {
	return &Registry{playbooks: make(map[string]Playbook)}
}

// catalogFile is a single YAML document: a list of playbooks. Spec's
// Open Question #3 ("where do playbooks live") is resolved in DESIGN.md
// as a single canonicalized catalog file rather than one file per
// playbook, mirroring the teacher's single remediation-plans-by-id map.
type catalogFile struct {
	Playbooks []yamlPlaybook `yaml:"playbooks"`
}

type yamlPlaybook struct {
	ID            string            `yaml:"id"`
	TriggersOn    []string          `yaml:"triggers_on"`
	Predicates    []yamlPredicate   `yaml:"predicates"`
	Preconditions []string          `yaml:"preconditions"`
	Steps         []yamlStep        `yaml:"steps"`
	Verifications []string          `yaml:"verifications"`
	RiskLevel     string            `yaml:"risk_level"`
	AutonomyTier  int               `yaml:"autonomy_tier"`
	Rollback      bool              `yaml:"rollback"`
	FailureMode   string            `yaml:"failure_mode"`
	Tags          []string          `yaml:"tags"`
}

type yamlPredicate struct {
	Field  string      `yaml:"field"`
	Equals interface{} `yaml:"equals,omitempty"`
	Min    *float64    `yaml:"min,omitempty"`
	Max    *float64    `yaml:"max,omitempty"`
}

type yamlStep struct {
	Name             string                 `yaml:"name"`
	Action           string                 `yaml:"action"`
	Inputs           map[string]interface{} `yaml:"inputs"`
	Verify           string                 `yaml:"verify"`
	CompensateAction string                 `yaml:"compensate_action,omitempty"`
	CompensateInputs map[string]interface{} `yaml:"compensate_inputs,omitempty"`
}

func fromYAML(p yamlPlaybook) Playbook {
	preds := make([]Predicate, len(p.Predicates))
	for i, pr := range p.Predicates {
		preds[i] = Predicate{Field: pr.Field, Equals: pr.Equals, Min: pr.Min, Max: pr.Max}
	}
	steps := make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = Step{
			Name: s.Name, Action: s.Action, Inputs: s.Inputs, Verify: s.Verify,
			CompensateAction: s.CompensateAction, CompensateInputs: s.CompensateInputs,
		}
	}
	return Playbook{
		ID: p.ID, TriggersOn: p.TriggersOn, Predicates: preds,
		Preconditions: p.Preconditions, Steps: steps, Verifications: p.Verifications,
		RiskLevel: RiskLevel(p.RiskLevel), AutonomyTier: AutonomyTier(p.AutonomyTier),
		Rollback: p.Rollback, FailureMode: p.FailureMode, Tags: p.Tags,
	}
}

// Register validates and adds pb to the registry. An action step without
// a verification rule is rejected (spec.md §4.7, mandatory verification).
func (r *Registry) Register(pb Playbook) error {
	for _, s := range pb.Steps {
		if s.Verify == "" {
			return fmt.Errorf("playbook: step %q in playbook %q has no verification predicate", s.Name, pb.ID)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playbooks[pb.ID] = pb
	return nil
}

// Get returns the playbook for id.
func (r *Registry) Get(id string) (Playbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pb, ok := r.playbooks[id]
	return pb, ok
}

// All returns every registered playbook.
func (r *Registry) All() []Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Playbook, 0, len(r.playbooks))
	for _, pb := range r.playbooks {
		out = append(out, pb)
	}
	return out
}

// LoadFile parses a YAML catalog and registers every playbook it
// contains. A step lacking verification aborts the whole file rather
// than registering partially.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("playbook: read catalog %s: %w", path, err)
	}
	var catalog catalogFile
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return fmt.Errorf("playbook: parse catalog %s: %w", path, err)
	}
	staged := make([]Playbook, 0, len(catalog.Playbooks))
	for _, yp := range catalog.Playbooks {
		pb := fromYAML(yp)
		for _, s := range pb.Steps {
			if s.Verify == "" {
				return fmt.Errorf("playbook: step %q in playbook %q has no verification predicate", s.Name, pb.ID)
			}
		}
		staged = append(staged, pb)
	}
	r.mu.Lock()
	for _, pb := range staged {
		r.playbooks[pb.ID] = pb
	}
	r.path = path
	r.mu.Unlock()
	return nil
}

// WatchFile hot-reloads the catalog on change. Grounded on the teacher's
// use of fsnotify-style watchers for config reload (see SPEC_FULL.md
// ambient-stack config section); errors reloading are logged, not fatal,
// so a bad edit never brings down an already-running registry.
func (r *Registry) WatchFile(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("playbook: fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("playbook: watch dir for %s: %w", path, err)
	}
	r.watcher = w
	r.stop = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.LoadFile(path); err != nil {
					log.Warn().Err(err).Str("path", path).Msg("playbook.catalog.reload_failed")
				} else {
					log.Info().Str("path", path).Msg("playbook.catalog.reloaded")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("playbook.watch.error")
			case <-r.stop:
				return
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if one is running.
func (r *Registry) Close() error {
	if r.stop != nil {
		close(r.stop)
	}
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
