// Package generate implements the durable multi-step pipeline that turns one
// generation request into a persisted result, a credit charge and exactly one
// terminal notification.
package generate

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"

	"vibegen/pkg/adapter"
	"vibegen/pkg/model"
	"vibegen/pkg/notify"
	"vibegen/pkg/repository"
	"vibegen/pkg/step"
	"vibegen/pkg/tool"
	"vibegen/pkg/usecase/ledger"
	"vibegen/pkg/utils/logging"
)

const (
	// historyLimit is how many prior messages seed the conversation.
	historyLimit = 5

	// previewPort is the port the sandbox template serves the app on.
	previewPort = 3000

	completedMessage = "Fragment generated successfully!"
)

// Workflow composes the orchestration pipeline for code-agent/run events.
type Workflow struct {
	repo      repository.Repository
	gemini    adapter.Gemini
	sandbox   adapter.Sandbox
	ledger    *ledger.Ledger
	publisher notify.Publisher

	template string
	archive  adapter.Storage
	audit    adapter.AuditSink
}

// Option configures optional workflow collaborators
type Option func(*Workflow)

// WithArchive enables fragment file snapshots to object storage
func WithArchive(archive adapter.Storage) Option {
	return func(w *Workflow) {
		w.archive = archive
	}
}

// WithAudit enables per-run analytics rows
func WithAudit(audit adapter.AuditSink) Option {
	return func(w *Workflow) {
		w.audit = audit
	}
}

// WithTemplate overrides the sandbox template image
func WithTemplate(template string) Option {
	return func(w *Workflow) {
		w.template = template
	}
}

// NewWorkflow creates the orchestrator
func NewWorkflow(repo repository.Repository, gemini adapter.Gemini, sandbox adapter.Sandbox, quota *ledger.Ledger, publisher notify.Publisher, opts ...Option) *Workflow {
	w := &Workflow{
		repo:      repo,
		gemini:    gemini,
		sandbox:   sandbox,
		ledger:    quota,
		publisher: publisher,
		template:  "vibegen-nextjs",
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run executes one workflow instance. It is safe to invoke again for the same
// event after a crash: completed steps replay from the ledger instead of
// re-executing their side effects. Exactly one terminal event is published
// per run, whatever happens inside the pipeline.
func (w *Workflow) Run(ctx context.Context, event *model.CodeAgentRunEvent) error {
	if err := event.Validate(); err != nil {
		return goerr.Wrap(err, "invalid run event")
	}
	if event.RunID == "" {
		event.RunID = model.NewRunID()
	}

	runner := step.NewRunner(event.RunID, w.repo)
	start := time.Now()

	terminal, iterations := w.runPipeline(ctx, runner, event)

	if _, err := step.Run(ctx, runner, "publish-terminal", func(ctx context.Context) (bool, error) {
		if err := w.publisher.Publish(ctx, event.UserID, terminal); err != nil {
			return false, err
		}
		return true, nil
	}); err != nil {
		return goerr.Wrap(err, "failed to publish terminal event", goerr.V("run_id", event.RunID))
	}

	w.recordAudit(ctx, event, terminal, iterations, time.Since(start))
	return nil
}

// runPipeline drives the pipeline and maps any uncaught failure, panics
// included, to a generic error terminal so the publish step always has
// exactly one event to deliver.
func (w *Workflow) runPipeline(ctx context.Context, runner *step.Runner, event *model.CodeAgentRunEvent) (terminal *model.TerminalEvent, iterations int) {
	defer func() {
		if r := recover(); r != nil {
			logging.From(ctx).Error("workflow panicked", "run_id", event.RunID, "panic", r)
			terminal = model.NewErrorEvent(event.ProjectID, failureMessage)
		}
	}()

	terminal, iterations, err := w.pipeline(ctx, runner, event)
	if err != nil {
		logging.From(ctx).Error("workflow failed", "run_id", event.RunID, "error", err)
		return model.NewErrorEvent(event.ProjectID, failureMessage), iterations
	}
	return terminal, iterations
}

func (w *Workflow) pipeline(ctx context.Context, runner *step.Runner, event *model.CodeAgentRunEvent) (*model.TerminalEvent, int, error) {
	sandboxID, err := step.Run(ctx, runner, "create-sandbox", func(ctx context.Context) (string, error) {
		return w.sandbox.Create(ctx, w.template)
	})
	if err != nil {
		return nil, 0, goerr.Wrap(err, "failed to create sandbox")
	}

	history, err := step.Run(ctx, runner, "load-history", func(ctx context.Context) ([]chatMessage, error) {
		return w.loadHistory(ctx, event.ProjectID)
	})
	if err != nil {
		return nil, 0, goerr.Wrap(err, "failed to load history")
	}

	contents := buildContents(history, event.Value)

	state := model.NewAgentState()
	connect := func(ctx context.Context) (adapter.SandboxSession, error) {
		return w.sandbox.Connect(ctx, sandboxID)
	}
	deps := tool.NewDeps(state, connect, runner)
	registry := tool.New(
		tool.NewTerminal(deps),
		tool.NewWriteFiles(deps),
		tool.NewReadFiles(deps),
	)

	agent := newCodeAgent(w.gemini, registry)
	iterations, err := runNetwork(ctx, agent, state, contents)
	if err != nil {
		return nil, iterations, goerr.Wrap(err, "agent loop failed")
	}

	title, response := postProcess(ctx, w.gemini, state.Summary)

	var sandboxURL string
	if state.Done() && len(state.Files) > 0 {
		url, err := step.Run(ctx, runner, "get-sandbox-url", func(ctx context.Context) (string, error) {
			session, err := w.sandbox.Connect(ctx, sandboxID)
			if err != nil {
				return "", err
			}
			host, err := session.Host(ctx, previewPort)
			if err != nil {
				return "", err
			}
			return "https://" + host, nil
		})
		if err != nil {
			return nil, iterations, goerr.Wrap(err, "failed to resolve sandbox url")
		}
		sandboxURL = url
	}

	saved, err := w.reconcile(ctx, runner, event, state, sandboxURL, title, response)
	if err != nil {
		return nil, iterations, goerr.Wrap(err, "failed to persist outcome")
	}

	if saved == nil {
		return model.NewErrorEvent(event.ProjectID, failureMessage), iterations, nil
	}

	// Credits are settled only after the result durably committed. A billing
	// failure does not roll the result back; it only changes the notification.
	if _, err := step.Run(ctx, runner, "consume-credits", func(ctx context.Context) (bool, error) {
		if err := w.ledger.Consume(ctx, event.UserID); err != nil {
			return false, err
		}
		return true, nil
	}); err != nil {
		logging.From(ctx).Error("credit settlement failed after successful save",
			"run_id", event.RunID, "user_id", event.UserID, "error", err)
		msg := fmt.Sprintf("Generation completed, but there was an issue consuming credits. Reason: %s. No credits were consumed.", err.Error())
		return model.NewErrorEvent(event.ProjectID, msg), iterations, nil
	}

	return &model.TerminalEvent{
		ProjectID:  event.ProjectID,
		Status:     model.StatusCompleted,
		Message:    completedMessage,
		FragmentID: saved.FragmentID,
		MessageID:  saved.MessageID,
		SandboxURL: saved.SandboxURL,
		Title:      saved.Title,
		Timestamp:  time.Now(),
	}, iterations, nil
}

// chatMessage is the serializable form of one history turn.
type chatMessage struct {
	Role    model.Role `json:"role"`
	Content string     `json:"content"`
}

// loadHistory returns the project's last messages, oldest first.
func (w *Workflow) loadHistory(ctx context.Context, projectID model.ProjectID) ([]chatMessage, error) {
	messages, err := w.repo.ListRecentMessages(ctx, projectID, historyLimit)
	if err != nil {
		return nil, err
	}

	history := make([]chatMessage, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		history = append(history, chatMessage{
			Role:    messages[i].Role,
			Content: messages[i].Content,
		})
	}
	return history, nil
}

func buildContents(history []chatMessage, prompt string) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, msg := range history {
		role := genai.Role(genai.RoleUser)
		if msg.Role == model.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return append(contents, genai.NewContentFromText(prompt, genai.RoleUser))
}

func (w *Workflow) recordAudit(ctx context.Context, event *model.CodeAgentRunEvent, terminal *model.TerminalEvent, iterations int, duration time.Duration) {
	if w.audit == nil {
		return
	}

	audit := &adapter.RunAudit{
		RunID:      string(event.RunID),
		UserID:     event.UserID,
		ProjectID:  string(event.ProjectID),
		Status:     string(terminal.Status),
		Iterations: iterations,
		DurationMS: duration.Milliseconds(),
		FinishedAt: time.Now(),
	}
	if err := w.audit.InsertRun(ctx, audit); err != nil {
		logging.From(ctx).Warn("failed to record run audit", "run_id", event.RunID, "error", err)
	}
}
