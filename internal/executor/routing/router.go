// Package routing classifies task descriptions into workflow labels.
// The classifier is an external, fallible collaborator; routing failures
// never block task execution.
package routing

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

// DefaultWorkflow is used whenever classification fails or matches nothing.
const DefaultWorkflow = "general"

// Router classifies a task description into a workflow label.
type Router interface {
	Classify(ctx context.Context, description string) (string, error)
}

// ClassifyWithFallback runs the router and falls back to defaultWorkflow on
// any error, logging the failure instead of propagating it.
func ClassifyWithFallback(ctx context.Context, r Router, description, defaultWorkflow string, log *logger.Logger) string {
	workflow, err := r.Classify(ctx, description)
	if err != nil || workflow == "" {
		log.Warn("workflow classification failed, using default",
			zap.String("default", defaultWorkflow),
			zap.Error(err))
		return defaultWorkflow
	}
	return workflow
}

// rule maps a workflow label to the keywords that select it. Rules are
// ordered; the first match wins.
type rule struct {
	workflow string
	keywords []string
}

// KeywordRouter is a lightweight classifier matching known keywords in the
// task description. It stands in for the LLM-backed router in deployments
// that do not configure one.
type KeywordRouter struct {
	rules []rule
}

// NewKeywordRouter creates a keyword router with the built-in rules.
func NewKeywordRouter() *KeywordRouter {
	return &KeywordRouter{
		rules: []rule{
			{"bugfix", []string{"fix", "bug", "broken", "crash", "regression"}},
			{"refactor", []string{"refactor", "cleanup", "clean up", "rename", "restructure"}},
			{"docs", []string{"document", "docs", "readme"}},
			{"test", []string{"test", "coverage", "flaky"}},
			{"feature", []string{"add", "implement", "feature", "support"}},
		},
	}
}

// Classify matches the description against the keyword rules.
func (r *KeywordRouter) Classify(ctx context.Context, description string) (string, error) {
	lower := strings.ToLower(description)
	for _, rule := range r.rules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.workflow, nil
			}
		}
	}
	return DefaultWorkflow, nil
}
