package wal

// session is a per-operation I/O context: a scratch buffer plus a
// private view onto whichever file the caller is currently reading or
// writing. Sessions exist so that concurrent readers never race on a
// shared seek position — each session owns its own logical cursor,
// matching spec.md §9's guidance that positional I/O (pread/pwrite)
// trivializes the pool; Go's os.File already supports ReadAt/WriteAt,
// so a session here is only the scratch buffer plus bookkeeping.
//
// buffer backs partition.read/partition.write's metadata and payload
// I/O (see session.scratch): every partition operation performed
// through a given session reuses the same underlying array instead of
// allocating one, growing it only when a slot demands more than it
// currently holds.
type session struct {
	buffer []byte
	// write reports whether this is the coordinator's distinguished
	// write session (always resident, never returned to the pool).
	write bool
}

func newSession(bufferSize uint32, write bool) *session {
	return &session{buffer: make([]byte, bufferSize), write: write}
}

// scratch returns a slice of length n backed by the session's buffer,
// growing it first if it is too small. The returned slice is only
// valid until the next call to scratch on the same session — callers
// that need the bytes to outlive that must copy them out.
func (s *session) scratch(n int) []byte {
	if cap(s.buffer) < n {
		s.buffer = make([]byte, n)
	}
	return s.buffer[:n]
}

// sessionPool is a fixed-capacity pool of reader sessions plus one
// distinguished writer session owned outright by the coordinator.
// Modeled as a buffered channel freelist: renting blocks until a
// session is available, returning never blocks since the pool never
// hands out more than it holds.
type sessionPool struct {
	free       chan *session
	write      *session
	bufferSize uint32
}

// newSessionPool builds a pool with capacity readers sessions plus one
// write session. capacity is max_concurrent_reads (spec.md §4.3).
func newSessionPool(capacity uint32, bufferSize uint32) *sessionPool {
	p := &sessionPool{
		free:       make(chan *session, capacity),
		write:      newSession(bufferSize, true),
		bufferSize: bufferSize,
	}
	for i := uint32(0); i < capacity; i++ {
		p.free <- newSession(bufferSize, false)
	}
	return p
}

// openSession rents a reader session, blocking until one is free. It
// takes no context and cannot be cancelled while blocked.
func (p *sessionPool) openSession() *session {
	return <-p.free
}

// closeSession returns a reader session to the pool.
func (p *sessionPool) closeSession(s *session) {
	if s == nil || s.write {
		return
	}
	p.free <- s
}

// writeSession returns the coordinator's single resident write session.
func (p *sessionPool) writeSession() *session {
	return p.write
}
