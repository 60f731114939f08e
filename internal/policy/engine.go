// Package policy decides conversation access with an embedded OPA policy.
package policy

import (
	"context"

	"github.com/open-policy-agent/opa/rego"
	"github.com/pkg/errors"

	"github.com/xiaot623/gogo/chatrelay/internal/domain"
)

// Decisions returned by the conversation policy.
const (
	DecisionAllow     = "allow"
	DecisionNotFound  = "not_found"
	DecisionForbidden = "forbidden"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.conversation_access.decision"),
		rego.Module("conversation_access.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare rego")
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the decision for the input document.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", errors.Wrap(err, "failed to evaluate policy")
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionForbidden, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return DecisionForbidden, nil
}

// Authorize maps the policy decision for userID acting on c to a domain error.
func (e *Engine) Authorize(ctx context.Context, userID int64, c *domain.Conversation, action domain.AccessAction) error {
	if c == nil {
		return domain.ErrNotFound
	}
	decision, err := e.Evaluate(ctx, map[string]interface{}{
		"user_id": userID,
		"action":  string(action),
		"conversation": map[string]interface{}{
			"user_id":   c.UserID,
			"is_hidden": c.IsHidden,
			"is_public": c.IsPublic,
		},
	})
	if err != nil {
		return err
	}

	switch decision {
	case DecisionAllow:
		return nil
	case DecisionNotFound:
		return domain.ErrNotFound
	default:
		return domain.ErrForbidden
	}
}

// DefaultPolicy is the conversation access policy.
const DefaultPolicy = `
package conversation_access

default decision = "forbidden"

decision = "allow" {
	is_owner
} else = "not_found" {
	input.conversation.is_hidden
} else = "not_found" {
	input.action == "read_public"
	not input.conversation.is_public
} else = "allow" {
	input.action == "read_public"
} else = "allow" {
	input.action == "read"
	input.conversation.is_public
}

# Public reads never rely on ownership.
is_owner {
	input.action != "read_public"
	input.user_id == input.conversation.user_id
}
`
