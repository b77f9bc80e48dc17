// Package fdtable is the hook layer's per-fd bookkeeping: whether a
// descriptor is a socket the runtime is allowed to treat specially, its
// system vs. user-visible nonblocking flags, and its read/write timeouts.
package fdtable

import (
	"sync"
)

// FdCtx is the per-fd hook-side record. The spec calls this "FdContext";
// the runtime keeps exactly one per live fd, created lazily the first time
// a hooked call (typically socket or accept) sees a new descriptor.
type FdCtx struct {
	mu sync.Mutex

	fd       int
	isSocket bool
	closed   bool

	// systemNonblock is always true for sockets the runtime manages — the
	// kernel fd is kept nonblocking unconditionally so epoll readiness
	// actually works, regardless of what the application asked for.
	systemNonblock bool
	// userNonblock is what fcntl(F_GETFL) reports back to the application:
	// the view the app itself set via F_SETFL, independent of
	// systemNonblock (spec §4.5's "two separate nonblock views").
	userNonblock bool

	recvTimeoutMs int64 // 0 == none
	sendTimeoutMs int64 // 0 == none
}

// Fd returns the descriptor this context tracks.
func (c *FdCtx) Fd() int { return c.fd }

// IsSocket reports whether this fd was marked as a socket (via MarkSocket).
// Only sockets get hook-layer special treatment; everything else tail-calls
// straight through.
func (c *FdCtx) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// MarkSocket records that fd is a socket and switches its system nonblock
// view on, matching spec §4.5's hook.Socket/hook.Accept responsibility of
// lazily creating FdCtx and marking isSocket.
func (c *FdCtx) MarkSocket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isSocket = true
	c.systemNonblock = true
}

// Closed reports whether Close has been called on this context.
func (c *FdCtx) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close marks the context closed. It does not touch the underlying kernel
// fd; callers are expected to invoke the native close separately. The hook
// layer's Close wrapper does not call this: it cancels readiness interests,
// removes the FdCtx from the registry, then calls the native close.
func (c *FdCtx) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// SystemNonblock and UserNonblock report the two independent nonblocking
// views spec §4.5 requires: the kernel-level view the runtime forces on for
// its own epoll bookkeeping, and the view the application believes it set.
func (c *FdCtx) SystemNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.systemNonblock
}

func (c *FdCtx) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetUserNonblock updates only the user-visible view; the system view is
// never changed by application calls once a socket is under hooks.
func (c *FdCtx) SetUserNonblock(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userNonblock = v
}

// Timeout directions, mirroring SO_RCVTIMEO/SO_SNDTIMEO.
type Direction int

const (
	Recv Direction = iota
	Send
)

// Timeout returns the configured timeout in milliseconds for dir, or 0 if
// none is set.
func (c *FdCtx) Timeout(dir Direction) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == Recv {
		return c.recvTimeoutMs
	}
	return c.sendTimeoutMs
}

// SetTimeout stores a timeout (in milliseconds; 0 clears it) for dir,
// mirroring the hook layer's setsockopt(SO_RCVTIMEO/SO_SNDTIMEO) wrapper.
func (c *FdCtx) SetTimeout(dir Direction, ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir == Recv {
		c.recvTimeoutMs = ms
	} else {
		c.sendTimeoutMs = ms
	}
}

// growthFactor is the vector resize multiplier, carried over verbatim from
// original_source/src/iomanager.cc's fd-context vector (see SPEC_FULL.md §5
// and DESIGN.md).
const growthFactor = 1.5

// Mgr is the process-wide fd-context registry. The zero value is ready to
// use; callers normally use the package-level Default instance (mirroring
// the spec's singleton FdMgr, item (b) of §9's four required process-wide
// singletons).
type Mgr struct {
	mu    sync.RWMutex
	slots []*FdCtx
}

// Default is the process-wide FdMgr singleton. hook.* functions use this
// unless a test constructs its own Mgr for isolation.
var Default = NewMgr()

// NewMgr constructs an empty registry. Exported primarily for tests that
// want isolation from the process-wide Default.
func NewMgr() *Mgr {
	return &Mgr{}
}

// Get returns the FdCtx for fd if one has been created, or nil, false.
func (m *Mgr) Get(fd int) (*FdCtx, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if fd < 0 || fd >= len(m.slots) {
		return nil, false
	}
	return m.slots[fd], m.slots[fd] != nil
}

// GetOrCreate returns the existing FdCtx for fd, creating (and growing the
// backing slice by growthFactor if necessary) one if absent.
func (m *Mgr) GetOrCreate(fd int) *FdCtx {
	if fd < 0 {
		panic("fdtable: negative fd")
	}

	m.mu.RLock()
	if fd < len(m.slots) && m.slots[fd] != nil {
		c := m.slots[fd]
		m.mu.RUnlock()
		return c
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= len(m.slots) {
		newLen := len(m.slots)
		if newLen == 0 {
			newLen = fd + 1
		}
		for newLen <= fd {
			newLen = int(float64(newLen)*growthFactor) + 1
		}
		grown := make([]*FdCtx, newLen)
		copy(grown, m.slots)
		m.slots = grown
	}
	if m.slots[fd] == nil {
		m.slots[fd] = &FdCtx{fd: fd}
	}
	return m.slots[fd]
}

// Remove drops the FdCtx for fd from the registry, matching spec §4.5's
// close wrapper removing the FdCtx before the native close runs.
func (m *Mgr) Remove(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= 0 && fd < len(m.slots) {
		m.slots[fd] = nil
	}
}
