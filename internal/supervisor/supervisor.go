// Package supervisor implements the cooperative single-threaded state
// machine that keeps an agent productively engaged inside a sandbox
// when no human is present. It is itself one Gateway client: it
// connects, identifies as role=supervisor, and treats the Gateway as
// its only source of truth for ocConnected/agentBusy/humanCount.
package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/synapsefleet/synapse/internal/clock"
	"github.com/synapsefleet/synapse/internal/logging"
	"github.com/synapsefleet/synapse/internal/types"
)

// State is one of the supervisor's primary turn-driver states.
type State string

const (
	StateInit      State = "INIT"
	StatePrompting State = "PROMPTING"
	StateWaiting   State = "WAITING"
	StateDelay     State = "DELAY"
)

// Classification is the outcome of one completed turn.
type Classification string

const (
	ClassProductive Classification = "productive"
	ClassIdle       Classification = "idle"
	ClassEmpty      Classification = "empty"
	ClassError      Classification = "error"
	ClassOK         Classification = "ok"
)

const turnTimeout = 15 * time.Minute

// classifyTurn implements the turn-metric classification.
func classifyTurn(chars int, tools int, timedOut bool, errored bool) Classification {
	switch {
	case errored:
		return ClassError
	case timedOut:
		return ClassProductive
	case tools >= 1:
		return ClassProductive
	case chars == 0:
		return ClassEmpty
	case chars < 200:
		return ClassIdle
	default:
		return ClassOK
	}
}

// nextDelay implements the post-turn scheduling table. idle and
// empty are the *updated* consecutive counters (incremented before
// calling).
func nextDelay(class Classification, idleCount, emptyCount int) time.Duration {
	switch class {
	case ClassProductive:
		return 15 * time.Second
	case ClassOK:
		return 30 * time.Second
	case ClassIdle:
		d := 5 * time.Minute * time.Duration(idleCount)
		if d > 10*time.Minute {
			d = 10 * time.Minute
		}
		return d
	case ClassEmpty:
		if emptyCount < 3 {
			return 2 * time.Minute
		}
		shift := emptyCount - 3
		mult := 1 << uint(shift)
		if mult > 300 {
			mult = 300 // guards against overflow driving past the 10min ceiling anyway
		}
		d := 2 * time.Minute * time.Duration(mult)
		if d > 10*time.Minute {
			d = 10 * time.Minute
		}
		return d
	case ClassError:
		return 2 * time.Minute
	default:
		return 30 * time.Second
	}
}

// RecoveryTier names the escalating prompt kind consecutive-empty
// turns trigger.
type RecoveryTier int

const (
	RecoveryNone RecoveryTier = iota
	RecoveryFullContext
	RecoveryDirective
	RecoveryFullReinit
)

// recoveryTier implements the escalation thresholds.
func recoveryTier(consecutiveEmpty int) RecoveryTier {
	switch {
	case consecutiveEmpty >= 20:
		return RecoveryFullReinit
	case consecutiveEmpty >= 10:
		return RecoveryDirective
	case consecutiveEmpty >= 5:
		return RecoveryFullContext
	default:
		return RecoveryNone
	}
}

// GatewayClient is the narrow surface Supervisor needs from its
// Gateway connection: sending a user message and receiving a stream of
// normalized inbound frames.
type GatewayClient interface {
	Connect(ctx context.Context) error
	SendUserMessage(ctx context.Context, content string) error
	Frames() <-chan InboundFrame
	Close() error
}

// InboundFrame is one frame the Gateway sent this Supervisor.
type InboundFrame struct {
	Kind               string // "status", "event", "client_change", "task_status", "supervisor_control"
	Event              types.Event
	AgentBusy          bool
	HumanCount         int
	SupervisorAttached bool
	OCConnected        bool
	Task               *types.Task
	ControlAction      string
}

// TaskStore persists and reloads the task document, which may be
// edited externally (e.g. by the operator through ControlAPI) between
// turns.
type TaskStore interface {
	Load(ctx context.Context) (*types.Task, error)
	Save(ctx context.Context, t *types.Task) error
}

// VerifyRunner executes a task's verify_command in the workspace and
// parses its stdout as a numeric metric.
type VerifyRunner interface {
	Verify(ctx context.Context, command string) (float64, error)
}

// Dependencies bundles the collaborators Supervisor needs. All are
// interfaces so tests can substitute fakes without a real sandbox.
type Dependencies struct {
	Gateway   GatewayClient
	Workspace WorkspaceReader
	Tasks     TaskStore
	Verify    VerifyRunner
	Clock     clock.Clock
	Log       *logging.Logger
}

// Supervisor is the per-sandbox turn-driving state machine.
type Supervisor struct {
	deps Dependencies

	state              State
	paused             bool
	needsInput         bool
	completed          bool
	firstPromptSent    bool
	idleCount          int
	emptyCount         int
	productiveStreak   int
	lastMemoryHash     string
	currentTurnChars   int
	currentTurnTools   int
	lastKnownHumans    int
	lastKnownSupAttach bool
	memoryReminderDue  bool

	task                *types.Task
	turnsSinceVerify    int
	turnsWithNoProgress int

	ocConnected bool
	agentBusy   bool

	turnTimeoutCh <-chan time.Time
}

// New constructs a Supervisor in its initial state.
func New(deps Dependencies) *Supervisor {
	return &Supervisor{deps: deps, state: StateInit}
}

// State returns the supervisor's current primary state, for tests and
// health reporting.
func (s *Supervisor) State() State { return s.state }

// Run drives the supervisor until ctx is cancelled or the task
// reaches a terminal status.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.deps.Gateway.Connect(ctx); err != nil {
		return err
	}
	defer s.deps.Gateway.Close()

	for {
		if s.completed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-s.deps.Gateway.Frames():
			s.handleFrame(ctx, frame)
		case <-s.pollChannel():
			s.pollTaskForUnblock(ctx)
		case <-s.turnTimeoutCh:
			s.turnTimeoutCh = nil
			s.finishTurn(ctx, false, true)
		}
	}
}

// pollChannel fires every 2 minutes while NEEDS_INPUT, so the Run loop
// notices an externally-answered blocking question without a Gateway
// frame arriving. A nil channel (the non-NEEDS_INPUT case) blocks
// forever in select, the standard way to disable a case.
func (s *Supervisor) pollChannel() <-chan time.Time {
	if !s.needsInput {
		return nil
	}
	return s.deps.Clock.After(2 * time.Minute)
}

func (s *Supervisor) pollTaskForUnblock(ctx context.Context) {
	task, err := s.deps.Tasks.Load(ctx)
	if err != nil || task == nil {
		return
	}
	s.task = task
	for _, q := range task.Questions {
		if q.Priority == types.QuestionBlocking && q.AnsweredAt == nil {
			return // still blocked
		}
	}
	s.needsInput = false
	s.maybeStartTurn(ctx)
}

func (s *Supervisor) handleFrame(ctx context.Context, f InboundFrame) {
	switch f.Kind {
	case "status":
		s.lastKnownHumans = f.HumanCount
		s.lastKnownSupAttach = f.SupervisorAttached
		s.ocConnected = f.OCConnected
		s.agentBusy = f.AgentBusy
		s.maybeStartTurn(ctx)
	case "client_change":
		s.onPresenceChange(ctx, f.HumanCount)
	case "event":
		s.onEvent(ctx, f.Event)
	case "task_status":
		// Informational only; task enforcement reloads from TaskStore
		// directly at turn end.
	case "supervisor_control":
		s.onControl(f.ControlAction)
	}
}

func (s *Supervisor) onControl(action string) {
	switch action {
	case "pause":
		s.paused = true
	case "resume":
		s.paused = false
	case "stop", "restart":
		s.completed = true
	}
}

func (s *Supervisor) onPresenceChange(ctx context.Context, humans int) {
	s.lastKnownHumans = humans
	if humans > 0 {
		s.paused = true
		s.state = StateWaiting
		return
	}
	s.paused = false
	select {
	case <-s.deps.Clock.After(10 * time.Second):
	case <-ctx.Done():
		return
	}
	s.resumeAppropriateState(ctx)
}

func (s *Supervisor) resumeAppropriateState(ctx context.Context) {
	switch {
	case s.completed:
		return
	case s.needsInput:
		s.state = StateWaiting
	default:
		s.maybeStartTurn(ctx)
	}
}

func (s *Supervisor) maybeStartTurn(ctx context.Context) {
	if s.paused || s.needsInput || s.completed || !s.ocConnected || s.agentBusy {
		return
	}
	if s.state == StatePrompting {
		return
	}

	prompt := s.buildPrompt(ctx)
	s.state = StatePrompting
	s.currentTurnChars = 0
	s.currentTurnTools = 0
	if err := s.deps.Gateway.SendUserMessage(ctx, prompt); err != nil {
		s.deps.Log.Warn("send turn prompt failed", "error", err)
		s.state = StateDelay
		return
	}
	s.firstPromptSent = true
	s.state = StateWaiting
	s.turnTimeoutCh = s.deps.Clock.After(turnTimeout)
}

func (s *Supervisor) buildPrompt(ctx context.Context) string {
	tier := recoveryTier(s.emptyCount)
	data := s.collectContext(ctx)

	if !s.firstPromptSent {
		return renderFullContext(data)
	}
	switch tier {
	case RecoveryFullReinit:
		s.idleCount = 0
		s.emptyCount = 0
		s.productiveStreak = 0
		s.firstPromptSent = false
		return renderFullContext(data)
	case RecoveryDirective:
		return renderRecoveryDirective(data)
	case RecoveryFullContext:
		return renderFullContext(data)
	default:
		return renderContinuation(data)
	}
}

func (s *Supervisor) onEvent(ctx context.Context, evt types.Event) {
	switch evt.Type {
	case types.EventTextDelta:
		s.currentTurnChars += len(evt.Text)
	case types.EventToolUse:
		s.currentTurnTools++
	case types.EventDone:
		s.turnTimeoutCh = nil
		s.finishTurn(ctx, false, false)
	case types.EventError:
		s.turnTimeoutCh = nil
		s.finishTurn(ctx, true, false)
	}
}

// finishTurn classifies and schedules after a turn ends, whether it
// ended via a done/error event or by running past turnTimeout with
// neither arriving.
func (s *Supervisor) finishTurn(ctx context.Context, errored, timedOut bool) {
	class := classifyTurn(s.currentTurnChars, s.currentTurnTools, timedOut, errored)

	switch class {
	case ClassProductive, ClassOK:
		s.idleCount = 0
		s.emptyCount = 0
		s.productiveStreak++
	case ClassIdle:
		s.idleCount++
		s.emptyCount = 0
		s.productiveStreak = 0
	case ClassEmpty:
		s.emptyCount++
		s.productiveStreak = 0
	case ClassError:
		s.productiveStreak = 0
	}

	s.enforceTask(ctx, class)
	s.checkMemoryUpdateReminder(ctx)
	s.checkBlockingQuestions(ctx, class)

	if s.completed {
		return
	}
	delay := nextDelay(class, s.idleCount, s.emptyCount)
	s.state = StateDelay
	select {
	case <-s.deps.Clock.After(delay):
	case <-ctx.Done():
		return
	}
	s.state = StateInit
	s.maybeStartTurn(ctx)
}

// checkMemoryUpdateReminder hashes the memory files after 3 consecutive
// productive/ok turns; if the hash matches the last observation, memory
// hasn't been touched across the streak and collectContext folds a
// reminder into the next prompt.
func (s *Supervisor) checkMemoryUpdateReminder(ctx context.Context) {
	if s.productiveStreak < 3 {
		return
	}
	short, _ := s.deps.Workspace.ReadFile(ctx, "memory/short_term.md")
	long, _ := s.deps.Workspace.ReadFile(ctx, "memory/long_term.md")
	hash := hashMemory(short, long)
	if hash == s.lastMemoryHash {
		s.memoryReminderDue = true
	}
	s.lastMemoryHash = hash
}

func hashMemory(short, long []byte) string {
	h := sha256.New()
	h.Write(short)
	h.Write(long)
	return hex.EncodeToString(h.Sum(nil))
}
