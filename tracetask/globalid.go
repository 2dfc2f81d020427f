// globalid.go - capsule-scoped global_id allocation, formatted as
// "capsule-<capsule>-thread-<tid>-kernel-<func>-trace-<seq>".
//
// License: GPLv3 or later
package tracetask

import (
	"fmt"
	"sync"
)

// idSequencer hands out monotonically increasing sequence numbers scoped
// to one (capsule, thread, kernel) tuple, so repeated launches of the same
// function on the same thread within a capsule get distinct trace ids.
type idSequencer struct {
	mu   sync.Mutex
	next map[string]uint64
}

func newIDSequencer() *idSequencer {
	return &idSequencer{next: map[string]uint64{}}
}

func (s *idSequencer) nextGlobalID(capsule string, tid uint64, funcName string) string {
	key := fmt.Sprintf("%s\x00%d\x00%s", capsule, tid, funcName)
	s.mu.Lock()
	seq := s.next[key]
	s.next[key] = seq + 1
	s.mu.Unlock()
	return fmt.Sprintf("capsule-%s-thread-%d-kernel-%s-trace-%d", capsule, tid, funcName, seq)
}
