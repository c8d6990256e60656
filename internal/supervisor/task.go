package supervisor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/synapsefleet/synapse/internal/types"
)

// enforceTask reloads the task document (it may have been edited
// externally), applies completion verification and the idle/duration/
// turn-count limits.
func (s *Supervisor) enforceTask(ctx context.Context, class Classification) {
	task, err := s.deps.Tasks.Load(ctx)
	if err != nil || task == nil {
		return
	}
	s.task = task

	if task.Status != types.TaskRunning {
		if task.Status != types.TaskCompleted {
			return
		}
		if task.Goal.VerifyCommand == "" {
			s.completed = true
			return
		}
	}

	task.Progress.TurnsCompleted++
	if class == ClassProductive || class == ClassOK {
		s.turnsWithNoProgress = 0
	} else {
		s.turnsWithNoProgress++
	}

	// The agent signals self-reported completion by setting the task
	// document's status to completed directly; Supervisor treats that
	// as tentative until verified.
	if task.Status == types.TaskCompleted {
		s.verifyAndMaybeComplete(ctx, task)
	} else {
		if class == ClassProductive {
			s.turnsSinceVerify++
		}
		if task.Goal.VerifyCommand != "" && s.turnsSinceVerify >= 10 {
			s.turnsSinceVerify = 0
			s.verifyAndMaybeComplete(ctx, task)
		}
	}

	if task.Status == types.TaskRunning {
		s.applyLimits(task)
	}

	_ = s.deps.Tasks.Save(ctx, task)
}

func (s *Supervisor) verifyAndMaybeComplete(ctx context.Context, task *types.Task) {
	if task.Goal.VerifyCommand == "" || s.deps.Verify == nil {
		return
	}
	metric, err := s.deps.Verify.Verify(ctx, task.Goal.VerifyCommand)
	if err != nil {
		task.Status = types.TaskRunning
		task.CompletionReason = "verification failed: " + err.Error()
		return
	}
	task.Progress.LatestMetric = &metric

	if !goalMet(task.Goal, metric) {
		task.Status = types.TaskRunning
		task.CompletionReason = "verification did not meet target"
		return
	}

	now := time.Now().UTC()
	task.CompletedAt = &now
	task.Status = types.TaskCompleted
	s.completed = true
}

func goalMet(goal types.TaskGoal, metric float64) bool {
	if goal.TargetValue == nil {
		return true
	}
	switch goal.Direction {
	case types.DirectionAbove:
		return metric >= *goal.TargetValue
	case types.DirectionBelow:
		return metric <= *goal.TargetValue
	default:
		return false
	}
}

// applyLimits enforces max_idle_turns/max_duration_hours/max_turns,
// stopping the task with the matching reason.
func (s *Supervisor) applyLimits(task *types.Task) {
	limits := task.Limits
	maxIdle := limits.MaxIdleTurns
	if maxIdle == 0 {
		maxIdle = types.DefaultMaxIdleTurns
	}
	if s.turnsWithNoProgress >= maxIdle {
		stopTask(task, "idle_timeout")
		return
	}
	if limits.MaxDurationHours != nil && !task.StartedAt.IsZero() {
		if time.Since(task.StartedAt) >= time.Duration(*limits.MaxDurationHours*float64(time.Hour)) {
			stopTask(task, "time_limit")
			return
		}
	}
	if limits.MaxTurns != nil && task.Progress.TurnsCompleted >= *limits.MaxTurns {
		stopTask(task, "turn_limit")
	}
}

func stopTask(task *types.Task, reason string) {
	task.Status = types.TaskStopped
	task.CompletionReason = reason
}

// checkBlockingQuestions implements the NEEDS_INPUT transition:
// unanswered blocking questions, when the most recent classification
// is idle or empty, block further turns until answered.
func (s *Supervisor) checkBlockingQuestions(ctx context.Context, class Classification) {
	if s.task == nil {
		return
	}
	var hasUnansweredBlocking bool
	for _, q := range s.task.Questions {
		if q.Priority == types.QuestionBlocking && q.AnsweredAt == nil {
			hasUnansweredBlocking = true
			break
		}
	}
	if !hasUnansweredBlocking {
		s.needsInput = false
		return
	}
	if class == ClassIdle || class == ClassEmpty {
		s.needsInput = true
	}
}

// pendingQuestionsSummary renders unanswered questions and newly
// answered ones for inclusion in the next prompt.
func pendingQuestionsSummary(task *types.Task) (pending, answered string) {
	if task == nil {
		return "", ""
	}
	var p, a []string
	for _, q := range task.Questions {
		if q.AnsweredAt == nil {
			p = append(p, q.Text)
		} else {
			a = append(a, q.Text+" -> "+q.Answer)
		}
	}
	return strings.Join(p, "\n"), strings.Join(a, "\n")
}

func formatMetric(v *float64) string {
	if v == nil {
		return "unknown"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
