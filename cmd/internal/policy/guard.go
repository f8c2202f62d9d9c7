package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"aegis/cmd/internal/obs"

	"go.uber.org/zap"
)

// FailMode selects the verdict when the hook errors or times out.
type FailMode string

const (
	FailClosed FailMode = "closed"
	FailOpen   FailMode = "open"
)

// GuardConfig controls hook invocation.
type GuardConfig struct {
	Timeout  time.Duration
	FailMode FailMode
	// AllowWithoutHook treats a missing hook as approval. Off by default.
	AllowWithoutHook bool
}

// DefaultGuardConfig is fail-closed with a 250ms budget.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{Timeout: 250 * time.Millisecond, FailMode: FailClosed}
}

// Verdict is a Decision plus how it was reached.
type Verdict struct {
	Decision
	// FailedOpen is set when the hook failed and FailOpen approved anyway.
	FailedOpen bool
	// HookErr describes the hook failure, if any.
	HookErr string
}

// Guard invokes a Hook under a deadline and applies the failure mode.
type Guard struct {
	hook    Hook
	cfg     GuardConfig
	log     *zap.SugaredLogger
	metrics *obs.Metrics
}

// NewGuard wraps hook. A nil hook is valid; see GuardConfig.AllowWithoutHook.
func NewGuard(hook Hook, cfg GuardConfig, log *zap.SugaredLogger, metrics *obs.Metrics) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGuardConfig().Timeout
	}
	if cfg.FailMode != FailOpen {
		cfg.FailMode = FailClosed
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Guard{hook: hook, cfg: cfg, log: log, metrics: metrics}
}

type hookResult struct {
	d   Decision
	err error
}

// Check evaluates action. The only error it returns is the caller's own
// context error; hook failures are folded into the Verdict.
func (g *Guard) Check(ctx context.Context, action string, input map[string]any) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	if g.hook == nil {
		if g.cfg.AllowWithoutHook {
			g.metrics.PolicyDecision("approved", 0)
			return Verdict{Decision: Decision{Approved: true, Reason: "no policy hook configured"}}, nil
		}
		g.metrics.PolicyDecision("rejected", 0)
		return Verdict{Decision: Decision{Approved: false, Reason: "no policy hook registered"}}, nil
	}

	hctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan hookResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- hookResult{err: fmt.Errorf("policy hook panic: %v", r)}
			}
		}()
		d, err := g.hook.Validate(hctx, action, input)
		ch <- hookResult{d: d, err: err}
	}()

	var res hookResult
	select {
	case res = <-ch:
	case <-hctx.Done():
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		res = hookResult{err: fmt.Errorf("policy hook timed out after %s", g.cfg.Timeout)}
	}
	took := time.Since(start)

	if res.err == nil {
		outcome := "rejected"
		if res.d.Approved {
			outcome = "approved"
		}
		g.metrics.PolicyDecision(outcome, took)
		return Verdict{Decision: res.d}, nil
	}

	if errors.Is(res.err, context.Canceled) && ctx.Err() != nil {
		return Verdict{}, ctx.Err()
	}

	if g.cfg.FailMode == FailOpen {
		g.metrics.PolicyDecision("error_open", took)
		g.log.Warnw("policy.hook.fail_open", "action", action, "err", res.err)
		return Verdict{
			Decision:   Decision{Approved: true, Reason: "policy hook unavailable; failed open"},
			FailedOpen: true,
			HookErr:    res.err.Error(),
		}, nil
	}

	g.metrics.PolicyDecision("error_closed", took)
	g.log.Warnw("policy.hook.fail_closed", "action", action, "err", res.err)
	return Verdict{
		Decision: Decision{Approved: false, Reason: "policy hook failure: " + res.err.Error()},
		HookErr:  res.err.Error(),
	}, nil
}
