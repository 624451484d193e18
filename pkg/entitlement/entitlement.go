// Package entitlement resolves how many credit points an identity may consume
// per window. The decision is a Rego policy so deployments can swap tiers
// without code changes; the embedded default grants the elevated allotment to
// the "pro" plan.
package entitlement

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/open-policy-agent/opa/v1/rego"
	"gopkg.in/yaml.v3"
)

const defaultPolicy = `package entitlement

import rego.v1

default points := 2

points := 100 if "pro" in input.plans
`

// Engine evaluates the entitlement policy for one identity at a time.
type Engine struct {
	query *rego.PreparedEvalQuery
	plans map[string][]string
}

// Option configures an Engine
type Option func(*Engine)

// WithPlans sets static plan claims per user id, a stand-in for an external
// identity provider.
func WithPlans(plans map[string][]string) Option {
	return func(e *Engine) {
		e.plans = plans
	}
}

// New creates an entitlement engine. When policyDir is empty or holds no
// .rego files, the embedded default policy is used.
func New(ctx context.Context, policyDir string, opts ...Option) (*Engine, error) {
	modules := []func(*rego.Rego){rego.Module("entitlement.rego", defaultPolicy)}

	if policyDir != "" {
		files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to glob policy files")
		}
		if len(files) > 0 {
			modules = modules[:0]
			for _, file := range files {
				data, err := os.ReadFile(file)
				if err != nil {
					return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
				}
				modules = append(modules, rego.Module(file, string(data)))
			}
		}
	}

	options := make([]func(*rego.Rego), 0, len(modules)+1)
	options = append(options, rego.Query("data.entitlement"))
	options = append(options, modules...)

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare entitlement query")
	}

	e := &Engine{query: &prepared}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Points returns the identity's allotment for the active window.
func (e *Engine) Points(ctx context.Context, userID string) (int, error) {
	input := map[string]any{
		"user_id": userID,
		"plans":   e.plans[userID],
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return 0, goerr.Wrap(err, "failed to evaluate entitlement policy", goerr.V("user_id", userID))
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return 0, goerr.New("entitlement policy returned no result")
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return 0, goerr.New("invalid entitlement result")
	}

	points, err := toInt(data["points"])
	if err != nil {
		return 0, goerr.Wrap(err, "entitlement policy must define points")
	}
	return points, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, goerr.Wrap(err, "points is not an integer")
		}
		return int(i), nil
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, goerr.New("points missing or not a number", goerr.V("value", v))
	}
}

// LoadPlansFile reads a YAML mapping of user id to plan names.
func LoadPlansFile(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read plans file", goerr.V("path", path))
	}

	var plans map[string][]string
	if err := yaml.Unmarshal(data, &plans); err != nil {
		return nil, goerr.Wrap(err, "failed to parse plans file", goerr.V("path", path))
	}
	return plans, nil
}
