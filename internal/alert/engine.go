// Package alert evaluates CEL rules against refreshed cluster
// generations. Built-in defaults apply until a rule file is
// configured; the file replaces them entirely and can be hot-reloaded.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/cel-go/cel"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Engine compiles alert rules once and evaluates them against cluster
// summaries. Rule swaps are atomic: a broken reload keeps the previous
// set.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled []*compiledRule
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// NewEngine creates the engine with the built-in defaults, then loads
// the configured rule file if one is set.
func NewEngine(cfg domain.AlertsConfig) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("size", cel.IntType),
		cel.Variable("avgScore", cel.DoubleType),
		cel.Variable("active", cel.BoolType),
		cel.Variable("emerging", cel.BoolType),
		cel.Variable("keywords", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{env: env}
	if err := e.LoadRules(DefaultRules()); err != nil {
		return nil, err
	}

	if cfg.RulesPath != "" {
		n, err := e.LoadFile(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		slog.Info("alert rules loaded", "path", cfg.RulesPath, "rules", n)
	}

	return e, nil
}

// LoadRules compiles and swaps in a rule set. Compilation is
// all-or-nothing; disabled rules are skipped.
func (e *Engine) LoadRules(rules []Rule) error {
	compiled := make([]*compiledRule, 0, len(rules))
	for i := range rules {
		r := rules[i]
		if !r.enabled() {
			continue
		}
		c, err := e.compile(r)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}

	e.mu.Lock()
	e.compiled = compiled
	e.mu.Unlock()
	return nil
}

// LoadFile parses a YAML rule file and swaps its rules in, replacing
// whatever is loaded. Returns the number of active rules.
func (e *Engine) LoadFile(path string) (int, error) {
	rules, err := parseRuleFile(path)
	if err != nil {
		return 0, err
	}
	if err := e.LoadRules(rules); err != nil {
		return 0, err
	}
	return e.RulesCount(), nil
}

func (e *Engine) compile(r Rule) (*compiledRule, error) {
	ast, issues := e.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", r.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", r.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", r.ID, err)
	}

	return &compiledRule{rule: r, program: program}, nil
}

// Evaluate runs every loaded rule against every cluster summary and
// returns the matches. Evaluation errors skip the rule for that
// cluster rather than aborting the sweep.
func (e *Engine) Evaluate(clusters []domain.ClusterSummary, now time.Time) []Alert {
	e.mu.RLock()
	rules := e.compiled
	e.mu.RUnlock()

	if len(rules) == 0 || len(clusters) == 0 {
		return nil
	}

	var alerts []Alert
	for _, c := range clusters {
		keywords := c.TopKeywords
		if keywords == nil {
			keywords = []string{}
		}
		activation := map[string]any{
			"name":     c.Name,
			"size":     c.Count,
			"avgScore": c.AvgScore,
			"active":   c.Active,
			"emerging": c.Emerging,
			"keywords": keywords,
		}

		for _, r := range rules {
			out, _, err := r.program.Eval(activation)
			if err != nil {
				slog.Debug("alert rule evaluation failed",
					"rule", r.rule.ID,
					"cluster", c.ClusterID,
					"error", err)
				continue
			}
			matched, ok := out.Value().(bool)
			if !ok || !matched {
				continue
			}

			alerts = append(alerts, Alert{
				RuleID:      r.rule.ID,
				Severity:    r.rule.Severity,
				Description: r.rule.Description,
				ClusterID:   c.ClusterID,
				ClusterName: c.Name,
				Size:        c.Count,
				AvgScore:    c.AvgScore,
				Emerging:    c.Emerging,
				FiredAt:     now,
			})
		}
	}

	return alerts
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Watch hot-reloads the rule file whenever it changes, until ctx ends.
// The containing directory is watched rather than the file itself:
// editors replace files by rename, which drops a direct file watch.
func (e *Engine) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch rule directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if n, err := e.LoadFile(path); err != nil {
					slog.Error("failed to reload alert rules", "path", path, "error", err)
				} else {
					slog.Info("alert rules reloaded", "path", path, "rules", n)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("rule watcher error", "error", err)

			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}
