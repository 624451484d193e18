package generate_test

import (
	"context"
	"sync"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"google.golang.org/genai"

	"vibegen/pkg/adapter"
	"vibegen/pkg/model"
	"vibegen/pkg/repository"
	"vibegen/pkg/usecase/generate"
	"vibegen/pkg/usecase/ledger"
)

type mockGemini struct {
	adapter.Gemini
	generateFunc func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

func (m *mockGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return m.generateFunc(ctx, contents, config)
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{
				Content: &genai.Content{
					Role:  genai.RoleModel,
					Parts: []*genai.Part{{Text: text}},
				},
			},
		},
	}
}

func toolCallResponse(name string, args map[string]any) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{
				Content: &genai.Content{
					Role: genai.RoleModel,
					Parts: []*genai.Part{
						{FunctionCall: &genai.FunctionCall{Name: name, Args: args}},
					},
				},
			},
		},
	}
}

// scriptedGemini answers agent calls (the ones carrying tools) from a script
// and every generator call with a fixed string.
type scriptedGemini struct {
	mu            sync.Mutex
	script        []*genai.GenerateContentResponse
	agentCalls    int
	generatorText string
	generatorErr  error
}

func (m *scriptedGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if config != nil && len(config.Tools) > 0 {
		idx := m.agentCalls
		m.agentCalls++
		if idx < len(m.script) {
			return m.script[idx], nil
		}
		return textResponse("nothing left to do"), nil
	}

	if m.generatorErr != nil {
		return nil, m.generatorErr
	}
	return textResponse(m.generatorText), nil
}

type mockSandboxSession struct {
	id    string
	files map[string]string
}

func (m *mockSandboxSession) ID() string { return m.id }

func (m *mockSandboxSession) RunCommand(ctx context.Context, command string) (*adapter.CommandResult, error) {
	return &adapter.CommandResult{Stdout: "ok"}, nil
}

func (m *mockSandboxSession) WriteFile(ctx context.Context, path, content string) error {
	m.files[path] = content
	return nil
}

func (m *mockSandboxSession) ReadFile(ctx context.Context, path string) (string, error) {
	content, ok := m.files[path]
	if !ok {
		return "", goerr.New("no such file", goerr.V("path", path))
	}
	return content, nil
}

func (m *mockSandboxSession) Host(ctx context.Context, port int) (string, error) {
	return "demo.vibegen.test:3000", nil
}

type mockSandbox struct {
	mu          sync.Mutex
	created     int
	session     *mockSandboxSession
	createPanic bool
}

func newMockSandbox() *mockSandbox {
	return &mockSandbox{session: &mockSandboxSession{id: "sb-1", files: map[string]string{}}}
}

func (m *mockSandbox) Create(ctx context.Context, template string) (string, error) {
	if m.createPanic {
		panic("sandbox runtime blew up")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	return m.session.id, nil
}

func (m *mockSandbox) Connect(ctx context.Context, id string) (adapter.SandboxSession, error) {
	return m.session, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	users  []string
	events []*model.TerminalEvent
}

func (p *capturePublisher) Publish(ctx context.Context, userID string, event *model.TerminalEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	p.events = append(p.events, event)
	return nil
}

type stubResolver struct {
	points int
}

func (s *stubResolver) Points(ctx context.Context, userID string) (int, error) {
	return s.points, nil
}

func testEvent() *model.CodeAgentRunEvent {
	return &model.CodeAgentRunEvent{
		RunID:           model.NewRunID(),
		Value:           "Build a landing page",
		ProjectID:       "proj-1",
		UserID:          "user-1",
		EffectivePoints: 2,
	}
}

func successScript() []*genai.GenerateContentResponse {
	return []*genai.GenerateContentResponse{
		toolCallResponse("create_or_update_files", map[string]any{
			"files": []any{
				map[string]any{"path": "app/page.tsx", "content": "export default function Page() {}"},
			},
		}),
		textResponse("<task_summary>Built a landing page with a hero section.</task_summary>"),
	}
}

func TestWorkflowSuccess(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	gemini := &scriptedGemini{script: successScript(), generatorText: "Landing Page"}
	sandbox := newMockSandbox()
	quota := ledger.New(repo, &stubResolver{points: 2})
	publisher := &capturePublisher{}

	workflow := generate.NewWorkflow(repo, gemini, sandbox, quota, publisher)
	gt.NoError(t, workflow.Run(ctx, testEvent()))

	gt.A(t, publisher.events).Length(1)
	terminal := publisher.events[0]
	gt.Equal(t, terminal.Status, model.StatusCompleted)
	gt.Equal(t, terminal.Message, "Fragment generated successfully!")
	gt.Equal(t, terminal.Title, "Landing Page")
	gt.Equal(t, terminal.SandboxURL, "https://demo.vibegen.test:3000")
	gt.NotEqual(t, "", string(terminal.FragmentID))
	gt.Equal(t, publisher.users[0], "user-1")

	// The result landed in the repository and exactly one credit was charged.
	gt.V(t, repo.CountFragments()).Equal(1)
	status, err := quota.GetStatus(ctx, "user-1")
	gt.NoError(t, err)
	gt.V(t, status.ConsumedPoints).Equal(1)

	// The agent's writes reached the sandbox.
	gt.Equal(t, sandbox.session.files["app/page.tsx"], "export default function Page() {}")
}

func TestWorkflowNoSummaryIsError(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	gemini := &scriptedGemini{generatorText: "irrelevant"} // never emits the marker
	sandbox := newMockSandbox()
	quota := ledger.New(repo, &stubResolver{points: 2})
	publisher := &capturePublisher{}

	workflow := generate.NewWorkflow(repo, gemini, sandbox, quota, publisher)
	gt.NoError(t, workflow.Run(ctx, testEvent()))

	// The loop is bounded: without a summary it stops at the iteration cap.
	gt.V(t, gemini.agentCalls).Equal(15)

	gt.A(t, publisher.events).Length(1)
	gt.Equal(t, publisher.events[0].Status, model.StatusError)
	gt.Equal(t, publisher.events[0].Message, "Something went wrong. Please try again.")

	// No fragment, no charge.
	gt.V(t, repo.CountFragments()).Equal(0)
	status, err := quota.GetStatus(ctx, "user-1")
	gt.NoError(t, err)
	gt.V(t, status.ConsumedPoints).Equal(0)
}

func TestWorkflowSummaryWithoutFilesIsError(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	gemini := &scriptedGemini{
		script: []*genai.GenerateContentResponse{
			textResponse("<task_summary>Claimed success without writing anything.</task_summary>"),
		},
		generatorText: "irrelevant",
	}
	sandbox := newMockSandbox()
	quota := ledger.New(repo, &stubResolver{points: 2})
	publisher := &capturePublisher{}

	workflow := generate.NewWorkflow(repo, gemini, sandbox, quota, publisher)
	gt.NoError(t, workflow.Run(ctx, testEvent()))

	gt.A(t, publisher.events).Length(1)
	gt.Equal(t, publisher.events[0].Status, model.StatusError)
	gt.V(t, repo.CountFragments()).Equal(0)

	status, err := quota.GetStatus(ctx, "user-1")
	gt.NoError(t, err)
	gt.V(t, status.ConsumedPoints).Equal(0)
}

func TestWorkflowDuplicateDeliveryChargesOnce(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	gemini := &scriptedGemini{script: successScript(), generatorText: "Landing Page"}
	sandbox := newMockSandbox()
	quota := ledger.New(repo, &stubResolver{points: 2})
	publisher := &capturePublisher{}

	workflow := generate.NewWorkflow(repo, gemini, sandbox, quota, publisher)
	event := testEvent()
	gt.NoError(t, workflow.Run(ctx, event))

	// Redeliver the same event: completed steps replay from the ledger.
	gemini.mu.Lock()
	gemini.agentCalls = 0
	gemini.mu.Unlock()
	gt.NoError(t, workflow.Run(ctx, event))

	gt.V(t, sandbox.created).Equal(1)
	gt.V(t, repo.CountFragments()).Equal(1)
	gt.A(t, publisher.events).Length(1)

	status, err := quota.GetStatus(ctx, "user-1")
	gt.NoError(t, err)
	gt.V(t, status.ConsumedPoints).Equal(1)
}

func TestWorkflowBillingFailureKeepsResult(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	gemini := &scriptedGemini{script: successScript(), generatorText: "Landing Page"}
	sandbox := newMockSandbox()
	quota := ledger.New(repo, &stubResolver{points: 1})
	publisher := &capturePublisher{}

	// The identity's single point is already gone when settlement runs.
	gt.NoError(t, quota.Consume(ctx, "user-1"))

	workflow := generate.NewWorkflow(repo, gemini, sandbox, quota, publisher)
	gt.NoError(t, workflow.Run(ctx, testEvent()))

	gt.A(t, publisher.events).Length(1)
	terminal := publisher.events[0]
	gt.Equal(t, terminal.Status, model.StatusError)
	gt.S(t, terminal.Message).Contains("issue consuming credits")

	// The saved result is not rolled back by the billing failure.
	gt.V(t, repo.CountFragments()).Equal(1)
}

func TestWorkflowPanicPublishesError(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	gemini := &scriptedGemini{generatorText: "irrelevant"}
	sandbox := newMockSandbox()
	sandbox.createPanic = true
	quota := ledger.New(repo, &stubResolver{points: 2})
	publisher := &capturePublisher{}

	workflow := generate.NewWorkflow(repo, gemini, sandbox, quota, publisher)
	gt.NoError(t, workflow.Run(ctx, testEvent()))

	gt.A(t, publisher.events).Length(1)
	gt.Equal(t, publisher.events[0].Status, model.StatusError)
	gt.Equal(t, publisher.events[0].Message, "Something went wrong. Please try again.")
}

func TestWorkflowInvalidEvent(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	publisher := &capturePublisher{}
	workflow := generate.NewWorkflow(repo, &scriptedGemini{}, newMockSandbox(),
		ledger.New(repo, &stubResolver{points: 2}), publisher)

	err := workflow.Run(ctx, &model.CodeAgentRunEvent{Value: "no identity"})
	gt.Error(t, err)
	gt.A(t, publisher.events).Length(0)
}

func TestWorkflowGeneratorFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	gemini := &scriptedGemini{script: successScript(), generatorErr: goerr.New("generator down")}
	sandbox := newMockSandbox()
	quota := ledger.New(repo, &stubResolver{points: 2})
	publisher := &capturePublisher{}

	workflow := generate.NewWorkflow(repo, gemini, sandbox, quota, publisher)
	gt.NoError(t, workflow.Run(ctx, testEvent()))

	gt.A(t, publisher.events).Length(1)
	terminal := publisher.events[0]
	gt.Equal(t, terminal.Status, model.StatusCompleted)
	gt.Equal(t, terminal.Title, "Fragment")
}

func TestWorkflowSeedsConversationHistory(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()

	for i := 0; i < 7; i++ {
		gt.NoError(t, repo.CreateMessage(ctx, &model.Message{
			ProjectID: "proj-1",
			Role:      model.RoleUser,
			Type:      model.MessageTypeResult,
			Content:   "earlier request",
		}))
	}

	var firstCallContents int
	gemini := &mockGemini{
		generateFunc: func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
			if config != nil && len(config.Tools) > 0 && firstCallContents == 0 {
				firstCallContents = len(contents)
			}
			return textResponse("<task_summary>done</task_summary>"), nil
		},
	}

	sandbox := newMockSandbox()
	quota := ledger.New(repo, &stubResolver{points: 2})
	workflow := generate.NewWorkflow(repo, gemini, sandbox, quota, &capturePublisher{})
	gt.NoError(t, workflow.Run(ctx, testEvent()))

	// At most five history turns plus the new prompt.
	gt.V(t, firstCallContents).Equal(6)
}
