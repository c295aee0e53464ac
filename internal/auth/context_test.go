package auth

import (
	"context"
	"testing"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if _, ok := AccountIDFromContext(ctx); ok {
		t.Fatal("unexpected account in empty context")
	}
	ctx = ContextWithAccount(ctx, " acc-7 ")

	id, ok := AccountIDFromContext(ctx)
	if !ok || id != "acc-7" {
		t.Fatalf("unexpected account id: %q, ok=%v", id, ok)
	}
	if ContextWithAccount(ctx, "") != ctx {
		t.Fatal("empty id should leave context untouched")
	}
}
