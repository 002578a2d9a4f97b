package transcript

import "testing"

func TestMergeEmptyGuards(t *testing.T) {
	if got := Merge("", "hello world"); got != "hello world" {
		t.Fatalf("expected current for empty previous, got %q", got)
	}
	if got := Merge("hello world", ""); got != "hello world" {
		t.Fatalf("expected previous for empty current, got %q", got)
	}
	if got := Merge("", ""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestMergeStablePrefix(t *testing.T) {
	got := Merge("the quick brown", "The quick brown fox jumps")
	if got != "The quick brown fox jumps" {
		t.Fatalf("unexpected merge %q", got)
	}
}

func TestMergePunctuationInsensitive(t *testing.T) {
	got := Merge("hello, world.", "Hello world and more")
	if got != "Hello world and more" {
		t.Fatalf("unexpected merge %q", got)
	}
}

func TestMergeSignificantChange(t *testing.T) {
	got := Merge("set a timer for ten minutes", "send a message to mom")
	if got != "send a message to mom" {
		t.Fatalf("expected current on significant change, got %q", got)
	}
}

func TestMergeNormalizesWhitespace(t *testing.T) {
	got := Merge("one two three", "one  two\tthree four")
	if got != "one two three four" {
		t.Fatalf("expected single-space join, got %q", got)
	}
}

func TestMergeExactlyHalfIsNotStable(t *testing.T) {
	// 2 of 4 previous words match; the prefix must exceed half.
	got := Merge("alpha beta gamma delta", "alpha  beta other words")
	if got != "alpha  beta other words" {
		t.Fatalf("expected raw current, got %q", got)
	}
}

func TestReconcilerBaselineIsRawCurrent(t *testing.T) {
	var r Reconciler
	if got := r.Apply("hello  there"); got != "hello  there" {
		t.Fatalf("first hypothesis should pass through, got %q", got)
	}
	if got := r.Apply("hello there friend"); got != "hello there friend" {
		t.Fatalf("unexpected display text %q", got)
	}
	if r.Baseline() != "hello there friend" {
		t.Fatalf("baseline should be the raw current text, got %q", r.Baseline())
	}
	if got := r.Apply(""); got != "hello there friend" {
		t.Fatalf("empty current should return baseline, got %q", got)
	}
	if r.Baseline() != "hello there friend" {
		t.Fatal("empty current must not clear the baseline")
	}
	r.Reset()
	if r.Baseline() != "" {
		t.Fatal("expected empty baseline after reset")
	}
}
