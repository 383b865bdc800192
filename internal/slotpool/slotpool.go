// Package slotpool is the connection-slot pool: a stable-address
// chunked arena plus a stack of free indices, amortized O(1)
// acquire/release with doubling growth.
//
// Grounded on original_source/src/stack.h (int_stack_t) for the
// growth/ordering rule and original_source/src/server_ctx.h
// (client_ctx_t) for the slot shape. Unlike the original's
// realloc-grown array, this uses a chunked arena that never moves an
// existing chunk, since Go slice growth would invalidate any stable
// index a watcher holds across a resize.
package slotpool

import "github.com/ikruglov/tcp-proxy/internal/netpoll"

// State is the connection's explicit tag: CONNECTING/RELAYING/CLOSED
// modeled as its own variant rather than inferred from which watcher
// callback happens to be bound, the way the original's client_ctx_t
// leaves implicit.
type State int

const (
	Free State = iota
	Connecting
	Relaying
	Closed
)

// Half is one direction's state: the socket fd, the kernel pipe this
// half owns, bytes currently buffered in that pipe, and the I/O
// readiness watcher bound to the socket fd.
type Half struct {
	Fd        int
	PeerAddr  string
	Watcher   *netpoll.Watcher
	PipeRead  int
	PipeWrite int
	Size      int
}

func (h *Half) reset() {
	h.Fd = -1
	h.PeerAddr = ""
	h.Watcher = nil
	h.PipeRead = -1
	h.PipeWrite = -1
	h.Size = 0
}

// Slot is one pre-allocated connection-state record, owned
// exclusively by its worker.
type Slot struct {
	Index int
	State State
	Down  Half // downstream: accepted peer
	Up    Half // upstream: connected backend

	// ConnectWatcher is only armed while State == Connecting.
	ConnectWatcher *netpoll.Watcher
}

func (s *Slot) reset() {
	s.State = Free
	s.Down.reset()
	s.Up.reset()
	s.ConnectWatcher = nil
}

const chunkSize = 1024

// Pool is a dense chunked array of slots plus a stack of free
// indices. An occupied slot's index is never on the free stack; a
// free slot's fds are all -1.
type Pool struct {
	chunks  [][]Slot
	free    []int
	size    int
	maxConn int
}

// New creates a pool pre-grown to minConn slots, capped at maxConn.
func New(minConn, maxConn int) *Pool {
	p := &Pool{maxConn: maxConn}
	p.growTo(minConn)
	return p
}

// Cap returns the pool's current allocated capacity (not maxConn).
func (p *Pool) Cap() int { return p.size }

// MaxConn returns the pool's absolute cap.
func (p *Pool) MaxConn() int { return p.maxConn }

// FreeCount returns the number of slots currently on the free stack.
func (p *Pool) FreeCount() int { return len(p.free) }

func (p *Pool) slotAt(idx int) *Slot {
	return &p.chunks[idx/chunkSize][idx%chunkSize]
}

// growTo extends the pool to hold newSize slots, appending whole
// chunks as needed (existing chunks are never reallocated, so
// previously issued *Slot pointers stay valid) and pushing the newly
// added indices onto the free stack in descending order, so that
// LIFO pops of those indices ascend starting from the old size —
// preserving locality of hot slots, per stack.h's growth comment.
func (p *Pool) growTo(newSize int) {
	if newSize <= p.size {
		return
	}
	if newSize > p.maxConn {
		newSize = p.maxConn
	}
	if newSize <= p.size {
		return
	}

	neededChunks := (newSize + chunkSize - 1) / chunkSize
	for len(p.chunks) < neededChunks {
		chunk := make([]Slot, chunkSize)
		base := len(p.chunks) * chunkSize
		for i := range chunk {
			chunk[i].Index = base + i
			chunk[i].reset()
		}
		p.chunks = append(p.chunks, chunk)
	}

	for i := newSize - 1; i >= p.size; i-- {
		p.free = append(p.free, i)
	}
	p.size = newSize
}

// Acquire peeks a free slot without removing it from the free stack.
// If the stack is empty and the pool can still grow (size < maxConn),
// it doubles (with +1 to handle a size-0 starting case) before
// retrying. Returns nil when at capacity — "admission denied".
func (p *Pool) Acquire() *Slot {
	if len(p.free) == 0 {
		if p.size >= p.maxConn {
			return nil
		}
		p.growTo(p.size*2 + 1)
		if len(p.free) == 0 {
			return nil
		}
	}
	return p.slotAt(p.free[len(p.free)-1])
}

// MarkUsed pops the index the caller just acquired. Called only after
// successful slot initialization.
func (p *Pool) MarkUsed(slot *Slot) {
	n := len(p.free)
	p.free = p.free[:n-1]
	slot.State = Connecting
}

// Release pushes the slot's index back onto the free stack and resets
// its fields to the "all fds -1" free state.
func (p *Pool) Release(slot *Slot) {
	idx := slot.Index
	slot.reset()
	p.free = append(p.free, idx)
}
