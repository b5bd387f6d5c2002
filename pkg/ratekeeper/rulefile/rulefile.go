// Package rulefile loads rate limit rules from a YAML file and serves
// them as a ratekeeper.RuleSource. With watching enabled the rule set
// reloads automatically when the file changes on disk; a broken edit
// keeps the last good set in service.
package rulefile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/inkwellhq/ratekeeper/pkg/ratekeeper"
)

// Config holds rule file source configuration.
type Config struct {
	// Path is the YAML rules file.
	Path string

	// Watch reloads the rule set when the file changes on disk.
	Watch bool

	// Logger receives load and watch diagnostics (default: NoopLogger).
	Logger ratekeeper.Logger
}

// Source serves rules from a YAML file.
type Source struct {
	path   string
	logger ratekeeper.Logger

	mu    sync.RWMutex
	rules []*ratekeeper.Rule

	watcher *fsnotify.Watcher
}

// New loads the rules file and, when configured, starts watching it.
// The initial load must succeed; later reloads may fail softly.
func New(cfg Config) (*Source, error) {
	path, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve rules path: %w", err)
	}
	s := &Source{
		path:   path,
		logger: cfg.Logger,
	}
	if s.logger == nil {
		s.logger = &ratekeeper.NoopLogger{}
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	if cfg.Watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create rules watcher: %w", err)
		}
		// Watch the directory, not the file: editors and config
		// management tools replace files by atomic rename, which would
		// orphan a direct file watch.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch rules directory: %w", err)
		}
		s.watcher = watcher
		go s.watchLoop()
	}

	return s, nil
}

// ListEnabledRules implements ratekeeper.RuleSource. Disabled rules are
// filtered at load time; the returned rules are copies.
func (s *Source) ListEnabledRules(_ context.Context) ([]*ratekeeper.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ratekeeper.Rule, len(s.rules))
	for i, rule := range s.rules {
		out[i] = rule.Clone()
	}
	return out, nil
}

// Close stops watching. The last loaded rule set remains served.
func (s *Source) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Source) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse rules file %s: %w", s.path, err)
	}

	rules := make([]*ratekeeper.Rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		rule, err := spec.toRule()
		if err != nil {
			return fmt.Errorf("rules file %s, rule %d: %w", s.path, i, err)
		}
		if rule.Enabled {
			rules = append(rules, rule)
		}
	}

	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()

	s.logger.Info("rules file loaded",
		ratekeeper.Field{Key: "path", Value: s.path},
		ratekeeper.Field{Key: "rules", Value: len(rules)})
	return nil
}

func (s *Source) watchLoop() {
	base := filepath.Base(s.path)

	// Coalesce the event bursts editors produce into one reload.
	var debounce *time.Timer
	const debounceDelay = 100 * time.Millisecond

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				if debounce != nil {
					debounce.Stop()
				}
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := s.load(); err != nil {
					s.logger.Warn("rules reload failed, keeping previous set",
						ratekeeper.Field{Key: "error", Value: err})
				}
			})

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("rules watcher error",
				ratekeeper.Field{Key: "error", Value: err})
		}
	}
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Endpoint        string   `yaml:"endpoint"`
	Method          string   `yaml:"method"`
	PerMinute       int      `yaml:"per_minute"`
	PerHour         int      `yaml:"per_hour"`
	PerDay          int      `yaml:"per_day"`
	BurstMultiplier float64  `yaml:"burst_multiplier"`
	Scope           string   `yaml:"scope"`
	UserIDs         []string `yaml:"user_ids"`
	PlanTiers       []string `yaml:"plan_tiers"`
	IPRanges        []string `yaml:"ip_ranges"`
	Priority        int      `yaml:"priority"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`
}

func (spec ruleSpec) toRule() (*ratekeeper.Rule, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if spec.Endpoint == "" {
		return nil, fmt.Errorf("rule %s: missing endpoint", spec.ID)
	}

	scope := ratekeeper.RuleScope(spec.Scope)
	switch scope {
	case "", ratekeeper.ScopeAll:
		scope = ratekeeper.ScopeAll
	case ratekeeper.ScopeAuthenticated, ratekeeper.ScopeAnonymous,
		ratekeeper.ScopeUsers, ratekeeper.ScopePlans:
	default:
		return nil, fmt.Errorf("rule %s: unknown scope %q", spec.ID, spec.Scope)
	}

	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}

	return &ratekeeper.Rule{
		ID:              spec.ID,
		Name:            spec.Name,
		Endpoint:        spec.Endpoint,
		Method:          spec.Method,
		PerMinute:       spec.PerMinute,
		PerHour:         spec.PerHour,
		PerDay:          spec.PerDay,
		BurstMultiplier: spec.BurstMultiplier,
		Scope:           scope,
		UserIDs:         spec.UserIDs,
		PlanTiers:       spec.PlanTiers,
		IPRanges:        spec.IPRanges,
		Priority:        spec.Priority,
		Enabled:         enabled,
	}, nil
}
