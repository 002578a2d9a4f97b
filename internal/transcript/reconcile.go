// Package transcript reconciles successive streaming hypotheses so the
// displayed partial text does not flicker when only the tail changes.
package transcript

import (
	"strings"
	"sync"
	"unicode"
)

// Merge combines the previous hypothesis with the current one. When more than
// half of the previous words survive as a prefix of the current words, the
// stable prefix is kept and the new tail appended; otherwise current wins.
func Merge(previous, current string) string {
	if previous == "" {
		return current
	}
	if current == "" {
		return previous
	}
	prevWords := strings.Fields(previous)
	currWords := strings.Fields(current)

	n := commonPrefix(prevWords, currWords)
	if n > len(prevWords)/2 {
		// Stable prefix from current plus its new tail. Textually this is the
		// current word sequence; the split keeps room for styling the tail.
		merged := make([]string, 0, len(currWords))
		merged = append(merged, currWords[:n]...)
		merged = append(merged, currWords[n:]...)
		return strings.Join(merged, " ")
	}
	return current
}

func commonPrefix(a, b []string) int {
	limit := min(len(a), len(b))
	for i := 0; i < limit; i++ {
		if normalize(a[i]) != normalize(b[i]) {
			return i
		}
	}
	return limit
}

func normalize(word string) string {
	return strings.ToLower(strings.TrimRightFunc(word, unicode.IsPunct))
}

// Reconciler holds the baseline hypothesis for one session.
type Reconciler struct {
	mu       sync.Mutex
	baseline string
}

// Apply merges current against the baseline and returns the display text. The
// baseline becomes current as received, not the merged text. Empty current
// returns the baseline unchanged.
func (r *Reconciler) Apply(current string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Merge(r.baseline, current)
	if current != "" {
		r.baseline = current
	}
	return out
}

func (r *Reconciler) Baseline() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.baseline
}

func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.baseline = ""
	r.mu.Unlock()
}
