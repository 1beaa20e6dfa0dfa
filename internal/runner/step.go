package runner

import (
	"fmt"
	"log/slog"
	"time"
)

// Status is the result of one step.
type Status int

const (
	StatusOK Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome is what a step reports: ok, skipped with a reason, or failed
// with an error.
type Outcome struct {
	Status Status
	Reason string
	Err    error
}

// OK reports success.
func OK() Outcome { return Outcome{Status: StatusOK} }

// Skipped reports a step that did not need to run.
func Skipped(reason string) Outcome { return Outcome{Status: StatusSkipped, Reason: reason} }

// Failed wraps err; a nil err is reported as OK.
func Failed(err error) Outcome {
	if err == nil {
		return OK()
	}
	return Outcome{Status: StatusFailed, Err: err}
}

// Step runs fn and logs its start and outcome under name.
func Step(logger *slog.Logger, name string, fn func() Outcome) Outcome {
	logger.Info("[STEP] "+name, "status", "started")
	start := time.Now()
	out := fn()
	elapsed := time.Since(start).Round(time.Millisecond)

	switch out.Status {
	case StatusOK:
		logger.Info("[STEP] "+name, "status", out.Status, "elapsed", elapsed)
	case StatusSkipped:
		logger.Info("[STEP] "+name, "status", out.Status, "reason", out.Reason)
	default:
		logger.Error("[STEP] "+name, "status", out.Status, "elapsed", elapsed, "error", out.Err)
	}
	return out
}
