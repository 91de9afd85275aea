package tiling

import (
	"fmt"
	"time"
)

// Phase is the refresh lifecycle of an Engine.
type Phase int

const (
	PhaseInitial Phase = iota
	PhaseRefreshing
	PhaseRefreshed
)

func (p Phase) String() string {
	switch p {
	case PhaseInitial:
		return "initial"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseRefreshed:
		return "refreshed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Status is the engine status reported to the presentation layer.
// At is zero for PhaseInitial.
type Status struct {
	Phase Phase
	At    time.Time
}

// Initial is the status of an engine that has not refreshed yet.
func Initial() Status { return Status{Phase: PhaseInitial} }

// Refreshing is the status while a refresh started at at is running.
func Refreshing(at time.Time) Status { return Status{Phase: PhaseRefreshing, At: at} }

// Refreshed is the status after a refresh completed at at.
func Refreshed(at time.Time) Status { return Status{Phase: PhaseRefreshed, At: at} }

func (s Status) String() string {
	if s.Phase == PhaseInitial {
		return s.Phase.String()
	}
	return fmt.Sprintf("%s(%s)", s.Phase, s.At.Format(time.RFC3339))
}
