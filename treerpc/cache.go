package treerpc

import (
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/spacemeshos/go-treerpc/tree"
)

// snapshots remembers the last state of each tree shared with the other peer.
type snapshots struct {
	*lru.Cache[uuid.UUID, tree.Tree]
}

func newSnapshots(size int) snapshots {
	if size < 1 {
		size = 1
	}
	cache, err := lru.New[uuid.UUID, tree.Tree](size)
	if err != nil {
		panic("could not initialize snapshot cache: " + err.Error())
	}
	return snapshots{Cache: cache}
}

// update stores t as the snapshot of the tree, or forgets the tree if t is nil.
func (s snapshots) update(id uuid.UUID, t tree.Tree) {
	if t == nil {
		s.Remove(id)
		return
	}
	s.Add(id, t)
}

// inflight holds the running encode task of each tree id. Callers that find a
// task for their tree attach to it and drain batches from the same queue.
type inflight struct {
	mu      sync.Mutex
	senders map[uuid.UUID]*tree.Sender
}

func newInflight() *inflight {
	return &inflight{senders: make(map[uuid.UUID]*tree.Sender)}
}

// attach returns the running task for the tree, starting one if there is none.
// The flag reports whether the task was started by this call.
func (f *inflight) attach(id uuid.UUID, start func() *tree.Sender) (*tree.Sender, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.senders[id]; ok {
		return s, false
	}
	s := start()
	f.senders[id] = s
	return s, true
}

// release stops the task of the tree. A nil sender releases whatever task is registered.
func (f *inflight) release(id uuid.UUID, s *tree.Sender) {
	f.mu.Lock()
	current, ok := f.senders[id]
	if ok && (s == nil || current == s) {
		delete(f.senders, id)
	} else {
		ok = false
	}
	f.mu.Unlock()
	if ok {
		current.Close()
	}
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.senders)
}
