package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/genai"

	"vibegen/pkg/step"
)

// WriteFiles creates or updates files in the sandbox and records every
// successful write in the run's accumulated file state.
type WriteFiles struct {
	deps *Deps
}

// NewWriteFiles creates the file writing tool
func NewWriteFiles(deps *Deps) *WriteFiles {
	return &WriteFiles{deps: deps}
}

func (t *WriteFiles) Spec() *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        "create_or_update_files",
				Description: "Create or update files in the sandbox",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"files": {
							Type:        genai.TypeArray,
							Description: "Files to write",
							Items: &genai.Schema{
								Type: genai.TypeObject,
								Properties: map[string]*genai.Schema{
									"path": {
										Type:        genai.TypeString,
										Description: "File path relative to the project root",
									},
									"content": {
										Type:        genai.TypeString,
										Description: "Full file content",
									},
								},
								Required: []string{"path", "content"},
							},
						},
					},
					Required: []string{"files"},
				},
			},
		},
	}
}

// writeOutcome is the memoized result of one write batch: the files that were
// durably written plus an error transcript when the batch broke off mid-way.
type writeOutcome struct {
	Files map[string]string `json:"files"`
	Error string            `json:"error,omitempty"`
}

func (t *WriteFiles) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	files, err := parseFileEntries(fc.Args["files"])
	if err != nil {
		return nil, err
	}

	outcome, err := step.Run(ctx, t.deps.Runner, t.deps.stepName(fc.Name, fc.Args), func(ctx context.Context) (*writeOutcome, error) {
		written := map[string]string{}

		session, err := t.deps.Connect(ctx)
		if err != nil {
			return &writeOutcome{Files: written, Error: fmt.Sprintf("Error: %v", err)}, nil
		}

		for _, f := range files {
			if err := session.WriteFile(ctx, f.path, f.content); err != nil {
				// Earlier writes of the batch stay in place.
				return &writeOutcome{Files: written, Error: fmt.Sprintf("Error: %v", err)}, nil
			}
			written[f.path] = f.content
		}

		return &writeOutcome{Files: written}, nil
	})
	if err != nil {
		return nil, err
	}

	// Merge outside the memoized step so a replayed run still folds the
	// recorded writes into the fresh in-memory state.
	t.deps.State.MergeFiles(outcome.Files)

	if outcome.Error != "" {
		return textResult(fc.Name, outcome.Error), nil
	}

	paths := make([]string, 0, len(outcome.Files))
	for path := range outcome.Files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return textResult(fc.Name, "Files created or updated: "+strings.Join(paths, ", ")), nil
}

type fileEntry struct {
	path    string
	content string
}

func parseFileEntries(v any) ([]fileEntry, error) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil, goerr.New("create_or_update_files requires a files array")
	}

	entries := make([]fileEntry, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, goerr.New("invalid file entry", goerr.V("entry", item))
		}
		path, _ := obj["path"].(string)
		content, _ := obj["content"].(string)
		if path == "" {
			return nil, goerr.New("file entry requires a path")
		}
		entries = append(entries, fileEntry{path: path, content: content})
	}
	return entries, nil
}

// ReadFiles reads files back from the sandbox.
type ReadFiles struct {
	deps *Deps
}

// NewReadFiles creates the file reading tool
func NewReadFiles(deps *Deps) *ReadFiles {
	return &ReadFiles{deps: deps}
}

func (t *ReadFiles) Spec() *genai.Tool {
	return &genai.Tool{
		FunctionDeclarations: []*genai.FunctionDeclaration{
			{
				Name:        "read_files",
				Description: "Read files from the sandbox",
				Parameters: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"files": {
							Type:        genai.TypeArray,
							Description: "Paths of files to read",
							Items: &genai.Schema{
								Type: genai.TypeString,
							},
						},
					},
					Required: []string{"files"},
				},
			},
		},
	}
}

func (t *ReadFiles) Execute(ctx context.Context, fc genai.FunctionCall) (*genai.FunctionResponse, error) {
	items, ok := fc.Args["files"].([]any)
	if !ok || len(items) == 0 {
		return nil, goerr.New("read_files requires a files array")
	}

	paths := make([]string, 0, len(items))
	for _, item := range items {
		path, ok := item.(string)
		if !ok || path == "" {
			return nil, goerr.New("invalid file path", goerr.V("entry", item))
		}
		paths = append(paths, path)
	}

	result, err := step.Run(ctx, t.deps.Runner, t.deps.stepName(fc.Name, fc.Args), func(ctx context.Context) (string, error) {
		session, err := t.deps.Connect(ctx)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), nil
		}

		type fileContent struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}

		contents := make([]fileContent, 0, len(paths))
		for _, path := range paths {
			content, err := session.ReadFile(ctx, path)
			if err != nil {
				// Any read failure degrades the whole call.
				return fmt.Sprintf("Error: %v", err), nil
			}
			contents = append(contents, fileContent{Path: path, Content: content})
		}

		encoded, err := json.Marshal(contents)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), nil
		}
		return string(encoded), nil
	})
	if err != nil {
		return nil, err
	}

	return textResult(fc.Name, result), nil
}
