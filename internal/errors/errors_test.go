package errors

import (
	"fmt"
	"testing"
	"time"
)

func TestBuilderDefaults(t *testing.T) {
	t.Parallel()

	err := Newf("something broke").Build()
	if err.GetComponent() != ComponentUnknown {
		t.Errorf("expected component %q, got %q", ComponentUnknown, err.GetComponent())
	}
	if err.GetCategory() != CategoryGeneric {
		t.Errorf("expected category %q, got %q", CategoryGeneric, err.GetCategory())
	}
	if err.GetContext() != nil {
		t.Errorf("expected nil context, got %v", err.GetContext())
	}
	if err.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestBuilderContext(t *testing.T) {
	t.Parallel()

	err := Newf("gateway down").
		Component("gateway").
		Category(CategoryNetwork).
		NetworkContext("http://store/verification/1", 15*time.Second).
		Timing("update", 250*time.Millisecond).
		Build()

	if err.GetComponent() != "gateway" {
		t.Errorf("expected component gateway, got %q", err.GetComponent())
	}
	ctx := err.GetContext()
	if ctx["url"] != "http://store/verification/1" {
		t.Errorf("unexpected url context %v", ctx["url"])
	}
	if ctx["timeout_seconds"] != 15.0 {
		t.Errorf("unexpected timeout context %v", ctx["timeout_seconds"])
	}
	if ctx["duration_ms"] != int64(250) {
		t.Errorf("unexpected duration context %v", ctx["duration_ms"])
	}

	// Returned map is a copy
	ctx["url"] = "changed"
	if err.GetContext()["url"] == "changed" {
		t.Error("GetContext must not expose internal map")
	}
}

func TestSentinelMatching(t *testing.T) {
	t.Parallel()

	sentinel := NewStd("no specimens")
	wrapped := New(sentinel).Category(CategoryValidation).Build()
	outer := fmt.Errorf("save: %w", wrapped)

	if !Is(outer, sentinel) {
		t.Error("expected sentinel to be found through the chain")
	}
	if !IsCategory(outer, CategoryValidation) {
		t.Error("expected validation category")
	}
	if IsCategory(outer, CategoryNetwork) {
		t.Error("did not expect network category")
	}
	if CategoryOf(outer) != CategoryValidation {
		t.Errorf("unexpected category %q", CategoryOf(outer))
	}
	if CategoryOf(sentinel) != CategoryGeneric {
		t.Errorf("plain errors report generic, got %q", CategoryOf(sentinel))
	}
}

func TestIsCategoryNested(t *testing.T) {
	t.Parallel()

	inner := Newf("timeout").Category(CategoryTimeout).Build()
	outer := New(inner).Category(CategoryNetwork).Build()

	if !IsCategory(outer, CategoryTimeout) {
		t.Error("expected nested timeout category to be found")
	}
	if !IsCategory(outer, CategoryNetwork) {
		t.Error("expected outer network category to be found")
	}
}

func TestJoinKeepsAll(t *testing.T) {
	t.Parallel()

	a := NewStd("a")
	b := NewStd("b")
	joined := Join(a, b)
	if !Is(joined, a) || !Is(joined, b) {
		t.Error("joined error lost a member")
	}
	if ValidationError("bad").GetCategory() != CategoryValidation {
		t.Error("ValidationError must use the validation category")
	}
}
