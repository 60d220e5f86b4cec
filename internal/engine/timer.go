package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tokenflow-io/tokenflow/pkg/schema"
)

// armTimer resolves a timer specification into an absolute deadline and
// stores it on the instance. Accepted forms, tried in order: a Go duration
// ("5m"), an RFC3339 timestamp, a "cron:<spec>" cycle (next firing), or an
// expression evaluating to one of those.
func armTimer(ctx context.Context, t *TaskInstance) error {
	if _, armed := t.Internal[internalDeadline]; armed {
		return nil
	}
	deadline, err := resolveTimer(ctx, t, t.Node.Event.Timer)
	if err != nil {
		return err
	}
	t.Internal[internalDeadline] = deadline.UTC().Format(time.RFC3339Nano)
	return nil
}

func resolveTimer(ctx context.Context, t *TaskInstance, spec string) (time.Time, error) {
	if spec == "" {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"timer event %q has no timer specification", t.Node.ID)
	}
	if deadline, ok := parseTimerLiteral(spec, time.Now()); ok {
		return deadline, nil
	}

	// Not a literal: evaluate as an expression over task data and retry.
	result, err := t.proc.Evaluator().Evaluate(ctx, spec, t.Data)
	if err != nil {
		return time.Time{}, err
	}
	resolved := fmt.Sprintf("%v", result)
	if deadline, ok := parseTimerLiteral(resolved, time.Now()); ok {
		return deadline, nil
	}
	return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
		"timer expression %q resolved to %q, which is not a duration, timestamp or cron cycle", spec, resolved)
}

func parseTimerLiteral(spec string, now time.Time) (time.Time, bool) {
	if d, err := time.ParseDuration(spec); err == nil {
		return now.Add(d), true
	}
	if ts, err := time.Parse(time.RFC3339, spec); err == nil {
		return ts, true
	}
	if len(spec) > 5 && spec[:5] == "cron:" {
		if sched, err := cron.ParseStandard(spec[5:]); err == nil {
			return sched.Next(now), true
		}
	}
	return time.Time{}, false
}

// timerExpired reports whether an armed deadline has passed.
func timerExpired(t *TaskInstance) (bool, error) {
	raw, armed := t.Internal[internalDeadline].(string)
	if !armed {
		return false, nil
	}
	deadline, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"corrupt timer deadline %q", raw).WithTask(t.ID)
	}
	return !time.Now().Before(deadline), nil
}
