package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/synapsefleet/synapse/internal/types"
)

func floatPtr(v float64) *float64 { return &v }

func TestGoalMetNoTargetAlwaysSucceeds(t *testing.T) {
	if !goalMet(types.TaskGoal{}, 0) {
		t.Fatalf("a goal with no target value should always be met")
	}
}

func TestGoalMetAboveAndBelow(t *testing.T) {
	above := types.TaskGoal{TargetValue: floatPtr(90), Direction: types.DirectionAbove}
	if !goalMet(above, 95) {
		t.Fatalf("95 should meet an above-90 goal")
	}
	if goalMet(above, 80) {
		t.Fatalf("80 should not meet an above-90 goal")
	}

	below := types.TaskGoal{TargetValue: floatPtr(5), Direction: types.DirectionBelow}
	if !goalMet(below, 2) {
		t.Fatalf("2 should meet a below-5 goal")
	}
	if goalMet(below, 8) {
		t.Fatalf("8 should not meet a below-5 goal")
	}
}

func TestVerifyAndMaybeCompleteOnSuccess(t *testing.T) {
	gw := newFakeGateway()
	s := newTestSupervisor(gw, &fakeTaskStore{}, &fakeWorkspace{})
	s.deps.Verify = fakeVerify{metric: 99}

	task := &types.Task{
		Status: types.TaskCompleted,
		Goal:   types.TaskGoal{VerifyCommand: "check.sh", TargetValue: floatPtr(90), Direction: types.DirectionAbove},
	}
	s.verifyAndMaybeComplete(context.Background(), task)

	if task.Status != types.TaskCompleted {
		t.Fatalf("expected task to stay completed once verified, got %v", task.Status)
	}
	if task.CompletedAt == nil {
		t.Fatalf("expected CompletedAt to be set")
	}
	if !s.completed {
		t.Fatalf("expected supervisor completed=true")
	}
}

func TestVerifyAndMaybeCompleteRevertsOnMissedTarget(t *testing.T) {
	gw := newFakeGateway()
	s := newTestSupervisor(gw, &fakeTaskStore{}, &fakeWorkspace{})
	s.deps.Verify = fakeVerify{metric: 10}

	task := &types.Task{
		Status: types.TaskCompleted,
		Goal:   types.TaskGoal{VerifyCommand: "check.sh", TargetValue: floatPtr(90), Direction: types.DirectionAbove},
	}
	s.verifyAndMaybeComplete(context.Background(), task)

	if task.Status != types.TaskRunning {
		t.Fatalf("expected task reverted to running on missed target, got %v", task.Status)
	}
	if s.completed {
		t.Fatalf("expected supervisor completed=false")
	}
	if task.CompletionReason == "" {
		t.Fatalf("expected a completion reason explaining the revert")
	}
}

func TestVerifyAndMaybeCompleteRevertsOnVerifyError(t *testing.T) {
	gw := newFakeGateway()
	s := newTestSupervisor(gw, &fakeTaskStore{}, &fakeWorkspace{})
	s.deps.Verify = fakeVerify{err: errBoom}

	task := &types.Task{
		Status: types.TaskCompleted,
		Goal:   types.TaskGoal{VerifyCommand: "check.sh"},
	}
	s.verifyAndMaybeComplete(context.Background(), task)

	if task.Status != types.TaskRunning {
		t.Fatalf("expected task reverted to running on verify error, got %v", task.Status)
	}
}

func TestApplyLimitsStopsOnIdleTimeout(t *testing.T) {
	s := &Supervisor{turnsWithNoProgress: 20}
	task := &types.Task{Status: types.TaskRunning, Limits: types.TaskLimits{MaxIdleTurns: 20}}
	s.applyLimits(task)
	if task.Status != types.TaskStopped || task.CompletionReason != "idle_timeout" {
		t.Fatalf("expected idle_timeout stop, got status=%v reason=%q", task.Status, task.CompletionReason)
	}
}

func TestApplyLimitsStopsOnDurationLimit(t *testing.T) {
	s := &Supervisor{}
	hours := 1.0
	task := &types.Task{
		Status:    types.TaskRunning,
		StartedAt: time.Now().Add(-2 * time.Hour),
		Limits:    types.TaskLimits{MaxDurationHours: &hours},
	}
	s.applyLimits(task)
	if task.Status != types.TaskStopped || task.CompletionReason != "time_limit" {
		t.Fatalf("expected time_limit stop, got status=%v reason=%q", task.Status, task.CompletionReason)
	}
}

func TestApplyLimitsStopsOnTurnLimit(t *testing.T) {
	s := &Supervisor{}
	maxTurns := 5
	task := &types.Task{
		Status:   types.TaskRunning,
		Limits:   types.TaskLimits{MaxTurns: &maxTurns},
		Progress: types.TaskProgress{TurnsCompleted: 5},
	}
	s.applyLimits(task)
	if task.Status != types.TaskStopped || task.CompletionReason != "turn_limit" {
		t.Fatalf("expected turn_limit stop, got status=%v reason=%q", task.Status, task.CompletionReason)
	}
}

func TestApplyLimitsLeavesRunningTaskAlone(t *testing.T) {
	s := &Supervisor{turnsWithNoProgress: 1}
	task := &types.Task{Status: types.TaskRunning, Limits: types.TaskLimits{MaxIdleTurns: 20}}
	s.applyLimits(task)
	if task.Status != types.TaskRunning {
		t.Fatalf("expected task to stay running, got %v", task.Status)
	}
}

func TestCheckBlockingQuestionsEntersAndExitsNeedsInput(t *testing.T) {
	gw := newFakeGateway()
	s := newTestSupervisor(gw, &fakeTaskStore{}, &fakeWorkspace{})
	s.task = &types.Task{Questions: []types.Question{
		{ID: "q1", Text: "which port?", Priority: types.QuestionBlocking},
	}}

	s.checkBlockingQuestions(context.Background(), ClassIdle)
	if !s.needsInput {
		t.Fatalf("expected needsInput=true with an unanswered blocking question on an idle turn")
	}

	s.checkBlockingQuestions(context.Background(), ClassProductive)
	if !s.needsInput {
		t.Fatalf("needsInput should only be cleared once the question is answered, not by a productive turn")
	}

	now := time.Now()
	s.task.Questions[0].AnsweredAt = &now
	s.task.Questions[0].Answer = "8080"
	s.checkBlockingQuestions(context.Background(), ClassProductive)
	if s.needsInput {
		t.Fatalf("expected needsInput=false once the blocking question is answered")
	}
}

func TestPendingQuestionsSummary(t *testing.T) {
	now := time.Now()
	task := &types.Task{Questions: []types.Question{
		{Text: "unanswered?"},
		{Text: "answered?", AnsweredAt: &now, Answer: "yes"},
	}}
	pending, answered := pendingQuestionsSummary(task)
	if pending != "unanswered?" {
		t.Fatalf("pending = %q", pending)
	}
	if answered != "answered? -> yes" {
		t.Fatalf("answered = %q", answered)
	}
}

func TestFormatMetric(t *testing.T) {
	if formatMetric(nil) != "unknown" {
		t.Fatalf("expected unknown for nil metric")
	}
	if formatMetric(floatPtr(42.5)) != "42.5" {
		t.Fatalf("formatMetric(42.5) = %q", formatMetric(floatPtr(42.5)))
	}
}

func TestEnforceTaskOnlyCountsProductiveTurnsTowardVerify(t *testing.T) {
	gw := newFakeGateway()
	tasks := &fakeTaskStore{task: &types.Task{
		Status: types.TaskRunning,
		Goal:   types.TaskGoal{VerifyCommand: "check.sh", TargetValue: floatPtr(90), Direction: types.DirectionAbove},
	}}
	s := newTestSupervisor(gw, tasks, &fakeWorkspace{})
	s.deps.Verify = fakeVerify{metric: 10}

	for i := 0; i < 15; i++ {
		s.enforceTask(context.Background(), ClassIdle)
	}
	if s.turnsSinceVerify != 0 {
		t.Fatalf("idle turns should never advance turnsSinceVerify, got %d", s.turnsSinceVerify)
	}
	if s.task.Status != types.TaskRunning {
		t.Fatalf("no verification should have been triggered by idle turns, got status=%v", s.task.Status)
	}

	for i := 0; i < 9; i++ {
		s.enforceTask(context.Background(), ClassProductive)
	}
	if s.turnsSinceVerify != 9 {
		t.Fatalf("expected turnsSinceVerify=9 after 9 productive turns, got %d", s.turnsSinceVerify)
	}

	s.enforceTask(context.Background(), ClassProductive)
	if s.turnsSinceVerify != 0 {
		t.Fatalf("expected turnsSinceVerify reset to 0 after the 10th productive turn triggers verification, got %d", s.turnsSinceVerify)
	}
	if s.task.CompletionReason != "verification did not meet target" {
		t.Fatalf("expected verification to have run on the 10th productive turn, got reason=%q", s.task.CompletionReason)
	}
}

type boomError string

func (e boomError) Error() string { return string(e) }

const errBoom = boomError("verify failed")
