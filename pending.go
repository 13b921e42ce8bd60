package dish

import "sync"

// replyResult completes a pending Transmit.
type replyResult struct {
	packet Packet
	err    error
}

type pendingReply struct {
	id uint64
	ch chan replyResult // buffered(1); written at most once
}

const pendingShards = 64

type pendingShard struct {
	mu sync.Mutex
	m  map[uint64]*pendingReply
}

// pendingTable correlates reply frames with the Transmit calls waiting for
// them. Each id is completed at most once: whoever removes it from the table
// owns the delivery.
type pendingTable struct {
	shards [pendingShards]pendingShard
}

func newPendingTable() *pendingTable {
	t := &pendingTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[uint64]*pendingReply)
	}
	return t
}

func (t *pendingTable) shard(id uint64) *pendingShard {
	return &t.shards[id&(pendingShards-1)]
}

func (t *pendingTable) create(id uint64) *pendingReply {
	r := &pendingReply{id: id, ch: make(chan replyResult, 1)}
	s := t.shard(id)
	s.mu.Lock()
	s.m[id] = r
	s.mu.Unlock()
	return r
}

// resolve completes id with res. Returns false if id is unknown (already
// completed, timed out or never issued).
func (t *pendingTable) resolve(id uint64, res replyResult) bool {
	s := t.shard(id)
	s.mu.Lock()
	r, ok := s.m[id]
	if ok {
		delete(s.m, id)
	}
	s.mu.Unlock()
	if ok {
		r.ch <- res
	}
	return ok
}

func (t *pendingTable) remove(id uint64) {
	s := t.shard(id)
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

// failAll completes every pending request with err. Used when the
// underlying transport goes away to unblock waiting callers.
func (t *pendingTable) failAll(err error) int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, r := range s.m {
			r.ch <- replyResult{err: err}
			delete(s.m, id)
			n++
		}
		s.mu.Unlock()
	}
	return n
}

func (t *pendingTable) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}
