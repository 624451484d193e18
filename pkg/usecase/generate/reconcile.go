package generate

import (
	"context"
	"encoding/json"

	"vibegen/pkg/model"
	"vibegen/pkg/step"
	"vibegen/pkg/utils/logging"
)

// failureMessage is the fixed user-facing copy persisted on the failure branch.
const failureMessage = "Something went wrong. Please try again."

// savedResult is the durable record of a successful save. It is the single
// source of truth for everything downstream of the reconciler: credit
// settlement and the completed notification are driven by it alone.
type savedResult struct {
	MessageID  model.MessageID  `json:"messageId"`
	FragmentID model.FragmentID `json:"fragmentId"`
	SandboxURL string           `json:"sandboxUrl"`
	Title      string           `json:"title"`
	Response   string           `json:"response"`
}

// reconcile evaluates the run's final state once and persists the outcome.
// failure iff the summary is empty or no files were written. The returned
// result is nil on the failure branch.
func (w *Workflow) reconcile(ctx context.Context, runner *step.Runner, event *model.CodeAgentRunEvent, state *model.AgentState, sandboxURL, title, response string) (*savedResult, error) {
	isError := state.Summary == "" || len(state.Files) == 0

	if isError {
		_, err := step.Run(ctx, runner, "save-error", func(ctx context.Context) (string, error) {
			msg := &model.Message{
				ProjectID: event.ProjectID,
				Role:      model.RoleAssistant,
				Type:      model.MessageTypeError,
				Content:   failureMessage,
			}
			if err := w.repo.CreateMessage(ctx, msg); err != nil {
				return "", err
			}
			return string(msg.ID), nil
		})
		if err != nil {
			return nil, err
		}
		return nil, nil
	}

	saved, err := step.Run(ctx, runner, "save-result", func(ctx context.Context) (*savedResult, error) {
		msg := &model.Message{
			ProjectID: event.ProjectID,
			Role:      model.RoleAssistant,
			Type:      model.MessageTypeResult,
			Content:   response,
		}
		fragment := &model.Fragment{
			SandboxURL: sandboxURL,
			Title:      title,
			Files:      state.Files,
		}
		if err := w.repo.SaveResult(ctx, msg, fragment); err != nil {
			return nil, err
		}
		return &savedResult{
			MessageID:  msg.ID,
			FragmentID: fragment.ID,
			SandboxURL: fragment.SandboxURL,
			Title:      fragment.Title,
			Response:   response,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	w.archiveFiles(ctx, saved.FragmentID, state.Files)
	return saved, nil
}

// archiveFiles snapshots the fragment's files to object storage, best effort.
// The result is already durably saved; an archive failure only loses the copy.
func (w *Workflow) archiveFiles(ctx context.Context, fragmentID model.FragmentID, files map[string]string) {
	if w.archive == nil {
		return
	}

	writer, err := w.archive.Put(ctx, "fragments/"+string(fragmentID)+".json")
	if err != nil {
		logging.From(ctx).Warn("failed to open fragment archive", "fragment_id", fragmentID, "error", err)
		return
	}

	if err := json.NewEncoder(writer).Encode(files); err != nil {
		logging.From(ctx).Warn("failed to write fragment archive", "fragment_id", fragmentID, "error", err)
		_ = writer.Close()
		return
	}
	if err := writer.Close(); err != nil {
		logging.From(ctx).Warn("failed to finalize fragment archive", "fragment_id", fragmentID, "error", err)
	}
}
