package requestid

import (
	"context"
	"testing"
)

func TestFromHeader(t *testing.T) {
	if got := FromHeader("  rid-1 "); got != "rid-1" {
		t.Fatalf("FromHeader=%q, want rid-1", got)
	}
	a, b := FromHeader(""), FromHeader(" ")
	if a == "" || b == "" || a == b {
		t.Fatalf("expected distinct generated IDs, got %q and %q", a, b)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatalf("expected no ID on a bare context")
	}
	ctx := WithContext(context.Background(), "rid-2")
	if got, ok := FromContext(ctx); !ok || got != "rid-2" {
		t.Fatalf("FromContext=(%q, %v)", got, ok)
	}
}
