package tree

import "sync"

// SendRefs assigns connection scoped ids to values sent by reference. Ids are
// assigned from 1 in increasing order and denote the same object until Reset.
type SendRefs struct {
	mu   sync.Mutex
	last int
	refs map[any]int
}

func NewSendRefs() *SendRefs {
	return &SendRefs{refs: make(map[any]int)}
}

// Intern returns the id of v and whether v was interned before.
func (r *SendRefs) Intern(v any) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ref, ok := r.refs[v]; ok {
		return ref, true
	}
	r.last++
	r.refs[v] = r.last
	return r.last, false
}

// Len returns the number of interned values.
func (r *SendRefs) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

// Reset forgets all interned values. Both sides must reset together.
func (r *SendRefs) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.refs)
	r.last = 0
}

// ReceiveRefs holds the values received by reference.
type ReceiveRefs struct {
	mu   sync.Mutex
	refs map[int]any
}

func NewReceiveRefs() *ReceiveRefs {
	return &ReceiveRefs{refs: make(map[int]any)}
}

func (r *ReceiveRefs) Get(ref int) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.refs[ref]
	return v, ok
}

func (r *ReceiveRefs) Put(ref int, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[ref] = v
}

func (r *ReceiveRefs) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.refs)
}

func (r *ReceiveRefs) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.refs)
}
