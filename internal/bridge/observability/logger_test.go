package observability

import (
	"context"
	"strings"
	"testing"

	"github.com/oculairmedia/letta-matrix-bridge/common/trace"
)

func TestWithTrace(t *testing.T) {
	// No trace on the context falls back to the default logger.
	if got := WithTrace(context.Background()); got == nil {
		t.Fatal("WithTrace returned nil logger")
	}

	ctx := trace.WithTraceID(context.Background(), "t_abc123")
	log := WithTrace(ctx)
	if log == nil {
		t.Fatal("WithTrace returned nil logger for traced context")
	}
}

func TestRedactSecrets(t *testing.T) {
	msg := RedactSecrets("login failed for token hunter2secret at host", "hunter2secret")
	if strings.Contains(msg, "hunter2secret") {
		t.Errorf("secret survived redaction: %q", msg)
	}
	if !strings.Contains(msg, "[REDACTED]") {
		t.Errorf("placeholder missing: %q", msg)
	}
}
