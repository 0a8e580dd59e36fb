// Package workflow implements the occupation workflow: the INICIAR/FINALIZAR
// state machine over v4 spools, the legacy v3 TOMAR/PAUSAR/COMPLETAR verbs,
// and the pure union-selection engine both feed on.
package workflow

import (
	"fmt"
	"strings"

	"github.com/pipefab/spooltrack/go/model"
)

// Action is the auto-determined outcome of a FINALIZAR. It is never driven by
// user intent: selecting every available union completes the session,
// selecting a strict subset pauses it, selecting nothing cancels it.
type Action string

const (
	ActionCompletar Action = "COMPLETAR"
	ActionPausar    Action = "PAUSAR"
	ActionCancelado Action = "CANCELADO"
)

// RaceError reports a strict-mode selection that included unions no longer
// available. The client refetches availability and retries.
type RaceError struct {
	UnavailableUnions []string
	AvailableCount    int
	RequestedCount    int
}

func (e *RaceError) Error() string {
	return fmt.Sprintf("%v: %d of %d selected unions no longer available: %s",
		model.ErrRaceCondition, len(e.UnavailableUnions), e.RequestedCount,
		strings.Join(e.UnavailableUnions, ", "))
}

// Unwrap ties the race detail to its error kind for the boundary's mapping.
func (e *RaceError) Unwrap() error { return model.ErrRaceCondition }

// Plan is the selection engine's output: which unions to write, the action
// the session resolves to, and the work metric of this batch. The engine is
// pure; the workflow executes the plan through the repositories.
type Plan struct {
	Action         Action
	Selected       []model.Union
	Unavailable    []string
	TotalAvailable int
	Pulgadas       float64
}

// BuildPlan intersects the client's selection with fresh availability and
// auto-determines the action. With |strict| set, any selected union that is
// no longer available aborts with a RaceError instead of being dropped.
func BuildPlan(selectedIDs []string, available []model.Union, strict bool) (Plan, error) {
	var byID = make(map[string]model.Union, len(available))
	for _, u := range available {
		byID[u.ID] = u
	}

	var plan = Plan{TotalAvailable: len(available)}
	var seen = make(map[string]bool, len(selectedIDs))
	for _, id := range selectedIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if u, ok := byID[id]; ok {
			plan.Selected = append(plan.Selected, u)
			plan.Pulgadas += u.DNUnion
		} else {
			plan.Unavailable = append(plan.Unavailable, id)
		}
	}
	plan.Pulgadas = model.Round1(plan.Pulgadas)

	if strict && len(plan.Unavailable) != 0 {
		return Plan{}, &RaceError{
			UnavailableUnions: plan.Unavailable,
			AvailableCount:    plan.TotalAvailable,
			RequestedCount:    len(seen),
		}
	}

	switch k := len(plan.Selected); {
	case k == 0:
		plan.Action = ActionCancelado
	case k == plan.TotalAvailable:
		plan.Action = ActionCompletar
	default:
		plan.Action = ActionPausar
	}
	return plan, nil
}
