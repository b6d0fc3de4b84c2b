package orchestrator

import (
	"time"

	"github.com/parleyhq/parley/internal/dossier"
	"github.com/parleyhq/parley/pkg/models"
)

// Escalation reasons recorded on queue entries.
const (
	ReasonExplicit   = "explicit request"
	ReasonComplete   = "dossier complete"
	ReasonComplexity = "high complexity"
	ReasonStale      = "stale conversation"
)

// Policy decides whether a processed message hands the customer to a human.
// Rules are evaluated in order and the first match wins:
//
//  1. an explicit request for a human (priority high)
//  2. dossier completeness at or above Completeness with a detected,
//     non-navigational intent (priority from the dossier)
//  3. technical category with complexity at or above Complexity (high)
//  4. more than StaleAfter spent in the same flow state (low)
type Policy struct {
	Completeness float64
	Complexity   float64
	StaleAfter   time.Duration
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Completeness: 0.8,
		Complexity:   dossier.HighComplexity,
		StaleAfter:   30 * time.Minute,
	}
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Escalate bool
	Priority models.Priority
	Reason   string
}

// Evaluate applies the policy to the message's action, the state the
// conversation ended in, the refreshed dossier and the time spent in that
// state.
func (p Policy) Evaluate(action models.Action, state models.State, d *models.Dossier, inState time.Duration) Decision {
	if action == models.ActionHuman || action == models.ActionEscalate {
		return Decision{Escalate: true, Priority: models.PriorityHigh, Reason: ReasonExplicit}
	}
	if !automated(state) || action == models.ActionClose || action == models.ActionCancel {
		return Decision{}
	}
	if d.Completeness >= p.Completeness && !action.IsNavigational() {
		prio := d.Priority
		if prio == "" {
			prio = models.PriorityLow
		}
		return Decision{Escalate: true, Priority: prio, Reason: ReasonComplete}
	}
	if d.FlowType == models.FlowTechnical && d.Complexity >= p.Complexity {
		return Decision{Escalate: true, Priority: models.PriorityHigh, Reason: ReasonComplexity}
	}
	if p.StaleAfter > 0 && inState > p.StaleAfter && flowState(state) {
		return Decision{Escalate: true, Priority: models.PriorityLow, Reason: ReasonStale}
	}
	return Decision{}
}

// automated reports whether the bot, not a human, is driving the state.
func automated(s models.State) bool {
	switch s {
	case models.StateAguardandoHumano, models.StateAtendimentoHumano, models.StateEncerramento:
		return false
	}
	return true
}

// flowState excludes the entry states, where a long pause only means the
// customer came back later.
func flowState(s models.State) bool {
	return s != models.StateInicio && s != models.StateMenuPrincipal
}
