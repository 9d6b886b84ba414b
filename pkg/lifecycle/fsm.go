package lifecycle

import (
	"errors"

	"inquest/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// CanTransition reports whether a lifecycle stage change is allowed.
// Same-stage writes are not transitions and always pass.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case models.StageCreated:
		return to == models.StageSettings || to == models.StageInProgress
	case models.StageSettings:
		return to == models.StageInProgress
	case models.StageInProgress:
		return to == models.StageCompleted
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// IsTerminalStage reports whether a stage admits no further transitions.
func IsTerminalStage(stage string) bool {
	return stage == models.StageCompleted
}

// IsTerminalStatus reports whether a status is an end state.
func IsTerminalStatus(status string) bool {
	switch status {
	case models.StatusCompleted, models.StatusError, models.StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionStatus validates a status change. Status tracks in
// parallel with stage; terminal statuses admit nothing further.
func CanTransitionStatus(from, to string) bool {
	if from == to {
		return true
	}
	if IsTerminalStatus(from) {
		return false
	}
	switch to {
	case models.StatusCreated:
		return false
	case models.StatusInProgress, models.StatusCompleted, models.StatusError, models.StatusCancelled:
		return true
	default:
		return false
	}
}

// ValidatePatch checks the stage and status moves of a patch together.
// A terminal status forces the COMPLETED stage; cancellation is allowed
// from any non-terminal state.
func ValidatePatch(cur models.Investigation, patch models.Patch) (stage, status string, err error) {
	stage = cur.LifecycleStage
	status = cur.Status
	if patch.Status != nil {
		if !CanTransitionStatus(cur.Status, *patch.Status) {
			return "", "", ErrInvalidTransition
		}
		status = *patch.Status
	}
	if patch.LifecycleStage != nil {
		if !CanTransition(cur.LifecycleStage, *patch.LifecycleStage) {
			return "", "", ErrInvalidTransition
		}
		stage = *patch.LifecycleStage
	}
	if IsTerminalStatus(status) && status != cur.Status {
		// Terminal outcome closes the lifecycle regardless of the
		// stage named in the patch.
		if patch.LifecycleStage != nil && *patch.LifecycleStage != models.StageCompleted {
			return "", "", ErrInvalidTransition
		}
		stage = models.StageCompleted
	}
	if IsTerminalStage(cur.LifecycleStage) && stage != cur.LifecycleStage {
		return "", "", ErrInvalidTransition
	}
	return stage, status, nil
}
