package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/dispatchd/dispatchd/internal/common/logger"
)

type failingRouter struct{}

func (failingRouter) Classify(ctx context.Context, description string) (string, error) {
	return "", errors.New("classifier unavailable")
}

func TestKeywordRouterClassify(t *testing.T) {
	r := NewKeywordRouter()
	ctx := context.Background()

	cases := []struct {
		description string
		want        string
	}{
		{"fix the login crash", "bugfix"},
		{"refactor the session pool", "refactor"},
		{"update the README", "docs"},
		{"add retries to the flaky test", "test"},
		{"implement dark mode", "feature"},
		{"something else entirely", DefaultWorkflow},
	}

	for _, c := range cases {
		got, err := r.Classify(ctx, c.description)
		if err != nil {
			t.Fatalf("Classify(%q) failed: %v", c.description, err)
		}
		if got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.description, got, c.want)
		}
	}
}

func TestClassifyWithFallbackOnError(t *testing.T) {
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	got := ClassifyWithFallback(context.Background(), failingRouter{}, "fix stuff", DefaultWorkflow, log)
	if got != DefaultWorkflow {
		t.Errorf("expected fallback to %s, got %s", DefaultWorkflow, got)
	}
}
