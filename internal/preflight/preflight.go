package preflight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"conductor/internal/breaker"
	"conductor/internal/config"
	"conductor/internal/queue"
	"conductor/internal/ratelimit"
)

// minStepBudget is the least remaining time a check needs to be attempted.
const minStepBudget = 50 * time.Millisecond

// Result reports the outcome of a single preflight check.
type Result struct {
	Name    string
	Passed  bool
	Skipped bool
	Detail  string
}

// Pinger is satisfied by every queue backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// databaseChecker is implemented by file-backed queue stores that can
// report schema and integrity details.
type databaseChecker interface {
	CheckHealth(ctx context.Context) (queue.DatabaseHealth, error)
}

// StateReader lists persisted provider state.
type StateReader interface {
	ProviderStates(ctx context.Context) ([]ratelimit.State, error)
}

// Targets are the opened backends to probe. Nil targets are skipped.
type Targets struct {
	Queue  Pinger
	States StateReader
}

// RunAll executes every applicable check in order within budget.
func RunAll(ctx context.Context, cfg *config.Config, targets Targets, budget time.Duration) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}

	var steps []breaker.Step
	details := &stepDetails{values: map[string]string{}}
	if targets.Queue != nil {
		name := fmt.Sprintf("Queue backend (%s)", cfg.Store.Backend)
		steps = append(steps, breaker.Step{Name: name, MinBudget: minStepBudget, Run: func(ctx context.Context) error {
			detail, err := probeQueue(ctx, targets.Queue)
			if err != nil {
				return err
			}
			details.set(name, detail)
			return nil
		}})
	}
	if targets.States != nil {
		name := fmt.Sprintf("Provider state (%s)", cfg.Store.ProviderState)
		steps = append(steps, breaker.Step{Name: name, MinBudget: minStepBudget, Run: func(ctx context.Context) error {
			states, err := targets.States.ProviderStates(ctx)
			if err != nil {
				return err
			}
			details.set(name, fmt.Sprintf("%d providers tracked", len(states)))
			return nil
		}})
	}
	for _, opType := range cfg.OperationTypes() {
		endpoint := cfg.Operations[opType].Endpoint
		if endpoint == "" {
			continue
		}
		name := "Processor " + opType
		steps = append(steps, breaker.Step{Name: name, MinBudget: minStepBudget, Run: func(ctx context.Context) error {
			result := CheckEndpoint(ctx, name, endpoint)
			if !result.Passed {
				return errors.New(result.Detail)
			}
			details.set(name, result.Detail)
			return nil
		}})
	}

	for _, step := range breaker.Sequence(ctx, time.Now().Add(budget), steps...) {
		switch {
		case step.Skipped:
			results = append(results, Result{Name: step.Name, Skipped: true, Detail: "skipped (check budget exhausted)"})
		case step.Err != nil:
			results = append(results, Result{Name: step.Name, Detail: summarizeError(step.Err)})
		default:
			results = append(results, Result{Name: step.Name, Passed: true, Detail: details.get(step.Name)})
		}
	}
	return results
}

func probeQueue(ctx context.Context, target Pinger) (string, error) {
	checker, ok := target.(databaseChecker)
	if !ok {
		if err := target.Ping(ctx); err != nil {
			return "", err
		}
		return "reachable", nil
	}
	health, err := checker.CheckHealth(ctx)
	if err != nil {
		return "", err
	}
	switch {
	case len(health.MissingTables) > 0:
		return "", fmt.Errorf("missing tables: %s", strings.Join(health.MissingTables, ", "))
	case !health.IntegrityCheck:
		return "", errors.New("integrity check failed")
	}
	return fmt.Sprintf("schema v%d, %d items, integrity ok", health.SchemaVersion, health.TotalItems), nil
}

// Passed reports whether every non-skipped result passed.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Passed && !r.Skipped {
			return false
		}
	}
	return true
}

// stepDetails collects success detail from steps that may outlive the
// sequence deadline.
type stepDetails struct {
	mu     sync.Mutex
	values map[string]string
}

func (d *stepDetails) set(name, value string) {
	d.mu.Lock()
	d.values[name] = value
	d.mu.Unlock()
}

func (d *stepDetails) get(name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.values[name]
}
