package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/m-mizutani/gt"
	"google.golang.org/genai"

	"vibegen/pkg/adapter"
	"vibegen/pkg/entitlement"
	"vibegen/pkg/model"
	"vibegen/pkg/notify"
	"vibegen/pkg/repository"
	"vibegen/pkg/server"
	"vibegen/pkg/usecase/generate"
	"vibegen/pkg/usecase/ledger"
)

type mockGemini struct {
	adapter.Gemini
}

func (m *mockGemini) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{
				Content: &genai.Content{
					Role:  genai.RoleModel,
					Parts: []*genai.Part{{Text: "<task_summary>done</task_summary>"}},
				},
			},
		},
	}, nil
}

type mockSession struct{}

func (m *mockSession) ID() string { return "sb-1" }
func (m *mockSession) RunCommand(ctx context.Context, command string) (*adapter.CommandResult, error) {
	return &adapter.CommandResult{Stdout: "ok"}, nil
}
func (m *mockSession) WriteFile(ctx context.Context, path, content string) error { return nil }
func (m *mockSession) ReadFile(ctx context.Context, path string) (string, error) { return "", nil }
func (m *mockSession) Host(ctx context.Context, port int) (string, error) {
	return "demo.test:3000", nil
}

type mockSandbox struct{}

func (m *mockSandbox) Create(ctx context.Context, template string) (string, error) {
	return "sb-1", nil
}
func (m *mockSandbox) Connect(ctx context.Context, id string) (adapter.SandboxSession, error) {
	return &mockSession{}, nil
}

type testServer struct {
	srv   *httptest.Server
	repo  *repository.Memory
	quota *ledger.Ledger
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	repo := repository.NewMemory()
	ent, err := entitlement.New(ctx, "")
	gt.NoError(t, err)
	quota := ledger.New(repo, ent)
	hub := notify.NewHub()
	workflow := generate.NewWorkflow(repo, &mockGemini{}, &mockSandbox{}, quota, hub)

	srv := httptest.NewServer(server.New(repo, quota, ent, workflow, hub))
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, repo: repo, quota: quota}
}

func (ts *testServer) post(t *testing.T, userID string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/api/generate", bytes.NewBufferString(body))
	gt.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	gt.NoError(t, err)
	return resp
}

func TestGenerateRequiresIdentity(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.post(t, "", `{"projectId":"proj-1","value":"build it"}`)
	defer resp.Body.Close()
	gt.V(t, resp.StatusCode).Equal(http.StatusUnauthorized)
}

func TestGenerateRejectsInvalidBody(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.post(t, "user-1", `not json`)
	defer resp.Body.Close()
	gt.V(t, resp.StatusCode).Equal(http.StatusBadRequest)

	resp = ts.post(t, "user-1", `{"projectId":"proj-1"}`)
	defer resp.Body.Close()
	gt.V(t, resp.StatusCode).Equal(http.StatusBadRequest)
}

func TestGenerateAccepted(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.post(t, "user-1", `{"projectId":"proj-1","value":"Build a landing page"}`)
	defer resp.Body.Close()
	gt.V(t, resp.StatusCode).Equal(http.StatusAccepted)

	var body struct {
		RunID string `json:"runId"`
	}
	gt.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	gt.NotEqual(t, "", body.RunID)

	// The user's message is persisted before the workflow is dispatched. The
	// dispatched workflow may already have appended its own messages.
	messages, err := ts.repo.ListRecentMessages(context.Background(), "proj-1", 10)
	gt.NoError(t, err)
	gt.A(t, messages).Longer(0)

	found := false
	for _, msg := range messages {
		if msg.Role == model.RoleUser && msg.Content == "Build a landing page" {
			found = true
		}
	}
	gt.True(t, found)
}

func TestGenerateRejectedWhenQuotaExhausted(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()

	// The default tier grants two points.
	gt.NoError(t, ts.quota.Consume(ctx, "user-1"))
	gt.NoError(t, ts.quota.Consume(ctx, "user-1"))

	resp := ts.post(t, "user-1", `{"projectId":"proj-1","value":"one more"}`)
	defer resp.Body.Close()
	gt.V(t, resp.StatusCode).Equal(http.StatusTooManyRequests)

	// Rejected before intake: no message was persisted.
	messages, err := ts.repo.ListRecentMessages(ctx, "proj-1", 10)
	gt.NoError(t, err)
	gt.A(t, messages).Length(0)
}

func TestUsage(t *testing.T) {
	ts := setupTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/usage", nil)
	gt.NoError(t, err)
	req.Header.Set("X-User-ID", "user-1")

	resp, err := http.DefaultClient.Do(req)
	gt.NoError(t, err)
	defer resp.Body.Close()
	gt.V(t, resp.StatusCode).Equal(http.StatusOK)

	var status model.QuotaStatus
	gt.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	gt.V(t, status.RemainingPoints).Equal(2)
	gt.V(t, status.ConsumedPoints).Equal(0)
}

func TestUsageRequiresIdentity(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/api/usage")
	gt.NoError(t, err)
	defer resp.Body.Close()
	gt.V(t, resp.StatusCode).Equal(http.StatusUnauthorized)
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/health")
	gt.NoError(t, err)
	defer resp.Body.Close()
	gt.V(t, resp.StatusCode).Equal(http.StatusOK)
}
