package testutil

import (
	"fmt"
	"sync/atomic"
)

// KeySequence generates predictable idempotency keys for tests.
//
// Keys have the form "<prefix>-<n>" with n starting at 1, so golden output
// that embeds keys stays byte-identical between runs.
//
// Thread-safety: KeySequence is safe for concurrent use.
type KeySequence struct {
	prefix string
	n      atomic.Int64
}

// NewKeySequence creates a sequence. An empty prefix uses "key".
func NewKeySequence(prefix string) *KeySequence {
	if prefix == "" {
		prefix = "key"
	}
	return &KeySequence{prefix: prefix}
}

// Next returns the next key.
func (s *KeySequence) Next() string {
	return fmt.Sprintf("%s-%d", s.prefix, s.n.Add(1))
}
