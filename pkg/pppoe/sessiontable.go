package pppoe

import (
	"errors"
	"sync"
)

// MaxSID is the highest PPPoE session ID handed out. SID 0 is reserved.
const MaxSID = 65534

// ErrSIDExhausted is returned when every session ID is in use.
var ErrSIDExhausted = errors.New("session IDs exhausted")

// SessionTable is a fixed-capacity map from session ID to connection.
//
// Allocation walks forward from the last allocated ID and wraps, so a
// freed ID is only handed out again after the cursor comes back round.
type SessionTable struct {
	mu    sync.RWMutex
	conns [MaxSID + 1]*Connection
	last  uint16
	count int
}

// NewSessionTable creates an empty session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{}
}

// Allocate binds c to the next free session ID and returns it.
func (t *SessionTable) Allocate(c *Connection) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count >= MaxSID {
		return 0, ErrSIDExhausted
	}

	sid := t.last
	for i := 0; i < MaxSID; i++ {
		sid++
		if sid == 0 || sid > MaxSID {
			sid = 1
		}
		if t.conns[sid] == nil {
			t.conns[sid] = c
			t.last = sid
			t.count++
			return sid, nil
		}
	}
	return 0, ErrSIDExhausted
}

// Free releases sid and returns the connection that held it, or nil if the
// ID was not in use.
func (t *SessionTable) Free(sid uint16) *Connection {
	if sid == 0 || sid > MaxSID {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.conns[sid]
	if c != nil {
		t.conns[sid] = nil
		t.count--
	}
	return c
}

// Lookup returns the connection holding sid.
func (t *SessionTable) Lookup(sid uint16) *Connection {
	if sid == 0 || sid > MaxSID {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conns[sid]
}

// Count returns the number of session IDs in use.
func (t *SessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Range calls fn for every bound connection in SID order until fn returns
// false. fn must not call back into the table.
func (t *SessionTable) Range(fn func(sid uint16, c *Connection) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := 0
	for sid := 1; sid <= MaxSID && seen < t.count; sid++ {
		c := t.conns[sid]
		if c == nil {
			continue
		}
		seen++
		if !fn(uint16(sid), c) {
			return
		}
	}
}
