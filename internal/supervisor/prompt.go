package supervisor

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/synapsefleet/synapse/internal/directive"
	"github.com/synapsefleet/synapse/internal/types"
)

//go:embed templates/*.tmpl
var promptTemplates embed.FS

var promptTmpl = template.Must(template.ParseFS(promptTemplates, "templates/*.tmpl"))

// promptData is the full set of variables available to a rendered
// turn prompt.
type promptData struct {
	TaskName        string
	TaskDescription string
	GoalDescription string
	VerifyCommand   string
	TargetValue     string
	Direction       string

	TurnsCompleted int
	LatestMetric   string
	ProgressSummary string

	ShortTermMemory string
	LongTermMemory  string
	PlanNotes       string

	ProcessMonitor   []string
	ProgressCommands []string

	PromptPrepend string
	PromptAppend  string

	PendingQuestions string
	AnsweredQuestions string

	MemoryReminderDue bool
	Directives        []string
}

// collectContext gathers everything a turn prompt might need: the
// task goal and progress, the project's memory files, any pending
// operator directives, and unanswered/recently-answered questions.
// Every read is best-effort -- a missing file just renders empty,
// since a fresh project has no memory yet.
func (s *Supervisor) collectContext(ctx context.Context) promptData {
	var data promptData

	if s.task != nil {
		t := s.task
		data.TaskName = t.Name
		data.TaskDescription = t.Description
		data.GoalDescription = t.Goal.Description
		data.VerifyCommand = t.Goal.VerifyCommand
		data.TargetValue = formatMetric(t.Goal.TargetValue)
		data.Direction = string(t.Goal.Direction)
		data.TurnsCompleted = t.Progress.TurnsCompleted
		data.LatestMetric = formatMetric(t.Progress.LatestMetric)
		data.ProgressSummary = t.Progress.Summary
		data.ProcessMonitor = t.Context.ProcessMonitor
		data.ProgressCommands = t.Context.ProgressCommands
		data.PromptPrepend = t.Context.PromptPrepend
		data.PromptAppend = t.Context.PromptAppend
		data.PendingQuestions, data.AnsweredQuestions = pendingQuestionsSummary(t)
	}

	if s.deps.Workspace != nil {
		if b, err := s.deps.Workspace.ReadFile(ctx, "memory/short_term.md"); err == nil {
			data.ShortTermMemory = string(b)
		}
		if b, err := s.deps.Workspace.ReadFile(ctx, "memory/long_term.md"); err == nil {
			data.LongTermMemory = string(b)
		}
		if b, err := s.deps.Workspace.ReadFile(ctx, "plan.md"); err == nil {
			data.PlanNotes = string(b)
		}
		if b, err := s.deps.Workspace.ReadFile(ctx, "directives.json"); err == nil {
			var directives []types.Directive
			if json.Unmarshal(b, &directives) == nil {
				now := s.deps.Clock.Now()
				for _, d := range directives {
					if expired, err := directive.Expired(d.Expiry, d.CreatedAt, now); err == nil && expired {
						continue
					}
					data.Directives = append(data.Directives, d.Text)
				}
			}
		}
	}

	data.MemoryReminderDue = s.memoryReminderDue
	if s.memoryReminderDue {
		s.memoryReminderDue = false
	}

	return data
}

func renderFullContext(data promptData) string {
	return renderTemplate("full_context.tmpl", data)
}

func renderContinuation(data promptData) string {
	return renderTemplate("continuation.tmpl", data)
}

func renderRecoveryDirective(data promptData) string {
	return renderTemplate("recovery_directive.tmpl", data)
}

func renderTemplate(name string, data promptData) string {
	var buf bytes.Buffer
	if err := promptTmpl.ExecuteTemplate(&buf, name, data); err != nil {
		// The templates are embedded and fixed at build time, so a
		// render failure means a template/data mismatch, not bad
		// runtime input. Fall back to a minimal prompt rather than
		// send nothing.
		return "Continue working on the task: " + data.TaskDescription
	}
	return strings.TrimSpace(buf.String())
}
