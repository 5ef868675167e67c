package saga

// Progress is the saga position rebuilt from history.
type Progress struct {
	State State
	// Index is the plan position of the next forward step while running, the
	// position being compensated while compensating, and -1 once compensated.
	Index int
	// Step and Direction name the next action; both are empty for terminal
	// and CREATED sagas.
	Step      string
	Direction Direction
	// PriorAttempts counts attempts already recorded for the next action.
	PriorAttempts int
	// Reason is the detail of the record that ended forward progress.
	Reason string
}

// Replay rebuilds state and position purely from the step plan and history.
// compensable reports whether a step has a compensating action; steps
// without one are skipped during compensation.
func Replay(plan []string, history []StepRecord, compensable func(step string) bool) Progress {
	var (
		completed    int
		compensating bool
		failed       bool
		reason       string
		undone       = map[string]bool{}
		attempts     = map[string]int{}
	)

	for _, rec := range history {
		attempts[attemptKey(rec.StepName, rec.Direction)]++
		switch rec.Direction {
		case Forward:
			if compensating {
				continue
			}
			switch {
			case rec.Outcome == OutcomeSuccess:
				if completed < len(plan) && plan[completed] == rec.StepName {
					completed++
				}
			case rec.Outcome == OutcomePermanentFailure,
				rec.Outcome == OutcomeTransientFailure && rec.Exhausted:
				compensating = true
				reason = rec.ErrorDetail
			}
		case Compensate:
			switch {
			case rec.Outcome == OutcomeSuccess:
				undone[rec.StepName] = true
			case rec.Outcome == OutcomePermanentFailure,
				rec.Outcome == OutcomeTransientFailure && rec.Exhausted:
				failed = true
			}
		}
	}

	if failed {
		return Progress{State: StateFailedUnrecoverable, Index: nextCompensation(plan, completed, undone, compensable), Reason: reason}
	}

	if compensating {
		idx := nextCompensation(plan, completed, undone, compensable)
		if idx < 0 {
			return Progress{State: StateCompensated, Index: -1, Reason: reason}
		}
		step := plan[idx]
		return Progress{
			State:         StateCompensating,
			Index:         idx,
			Step:          step,
			Direction:     Compensate,
			PriorAttempts: attempts[attemptKey(step, Compensate)],
			Reason:        reason,
		}
	}

	if len(plan) == 0 {
		return Progress{State: StateCreated}
	}
	if completed >= len(plan) {
		return Progress{State: StateCompleted, Index: len(plan)}
	}

	step := plan[completed]
	return Progress{
		State:         StateRunning,
		Index:         completed,
		Step:          step,
		Direction:     Forward,
		PriorAttempts: attempts[attemptKey(step, Forward)],
	}
}

// nextCompensation walks backward from the last completed forward step and
// returns the first one that still needs undoing, or -1.
func nextCompensation(plan []string, completed int, undone map[string]bool, compensable func(string) bool) int {
	for i := completed - 1; i >= 0; i-- {
		step := plan[i]
		if undone[step] {
			continue
		}
		if compensable != nil && !compensable(step) {
			continue
		}
		return i
	}
	return -1
}

func attemptKey(step string, dir Direction) string {
	return step + "/" + string(dir)
}
