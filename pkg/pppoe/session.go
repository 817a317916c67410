package pppoe

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// ConnectionState represents the discovery state of a connection
type ConnectionState int

// The first three states belong to the client role and are never entered
// by the access concentrator.
const (
	StateSentPADI ConnectionState = iota
	StateReceivedPADO
	StateSentPADR
	StateSession
	StateTerminated
	// StateOffered marks a connection that has been sent a PADO but has no
	// session ID yet.
	StateOffered
)

func (s ConnectionState) String() string {
	switch s {
	case StateSentPADI:
		return "Sent PADI"
	case StateReceivedPADO:
		return "Received PADO"
	case StateSentPADR:
		return "Sent PADR"
	case StateSession:
		return "Session"
	case StateTerminated:
		return "Terminated"
	case StateOffered:
		return "Offered"
	default:
		return "Unknown"
	}
}

// TerminateCause represents the reason for session termination (RFC 2866)
type TerminateCause uint32

const (
	TerminateCauseUserRequest TerminateCause = 1  // Client sent PADT
	TerminateCauseIdleTimeout TerminateCause = 4  // No activity
	TerminateCauseAdminReset  TerminateCause = 6  // Operator initiated
	TerminateCauseNASRequest  TerminateCause = 10 // Upper layer initiated
	TerminateCauseNASReboot   TerminateCause = 11 // Interface stopped
)

func (c TerminateCause) String() string {
	switch c {
	case TerminateCauseUserRequest:
		return "User-Request"
	case TerminateCauseIdleTimeout:
		return "Idle-Timeout"
	case TerminateCauseAdminReset:
		return "Admin-Reset"
	case TerminateCauseNASRequest:
		return "NAS-Request"
	case TerminateCauseNASReboot:
		return "NAS-Reboot"
	default:
		return "Unknown"
	}
}

// Connection is one discovery attempt, and once a session ID is bound, one
// PPPoE session. It is owned by a single Server and only mutated under that
// server's lock.
type Connection struct {
	ID             string
	PeerMAC        net.HardwareAddr
	State          ConnectionState
	SessionID      uint16
	Cookie         []byte
	HostUniq       []byte
	RelaySessionID []byte
	ServiceName    string
	// VendorSpecific is the TR-101 tag value (vendor id included), if any.
	VendorSpecific []byte

	CreatedAt     time.Time
	EstablishedAt time.Time
	LastActivity  time.Time

	// pads is the encoded PADS, resent for duplicate PADRs.
	pads []byte
}

func newConnection(peer net.HardwareAddr, now time.Time) *Connection {
	return &Connection{
		ID:           uuid.New().String(),
		PeerMAC:      cloneMAC(peer),
		State:        StateOffered,
		CreatedAt:    now,
		LastActivity: now,
	}
}

// snapshot returns a copy safe to hand outside the server lock.
func (c *Connection) snapshot() Connection {
	out := *c
	out.PeerMAC = cloneMAC(c.PeerMAC)
	out.Cookie = cloneBytes(c.Cookie)
	out.HostUniq = cloneBytes(c.HostUniq)
	out.RelaySessionID = cloneBytes(c.RelaySessionID)
	out.VendorSpecific = cloneBytes(c.VendorSpecific)
	out.pads = nil
	return out
}

// Duration returns how long the session has been established.
func (c *Connection) Duration(now time.Time) time.Duration {
	if c.EstablishedAt.IsZero() {
		return 0
	}
	return now.Sub(c.EstablishedAt)
}

// SessionEvent describes a session crossing the establishment boundary.
type SessionEvent struct {
	Interface      string
	ConnectionID   string
	SessionID      uint16
	LocalMAC       net.HardwareAddr
	PeerMAC        net.HardwareAddr
	ServiceName    string
	HostUniq       []byte
	RelaySessionID []byte
	// TR101 is set when the PADR carried an ADSL-Forum Vendor-Specific tag.
	TR101 *TR101
	// Cause is only set on teardown.
	Cause    TerminateCause
	Duration time.Duration
}

// SessionHandler receives session lifecycle events. Calls are made from the
// server's packet context and must not block.
type SessionHandler interface {
	SessionUp(ev SessionEvent)
	SessionDown(ev SessionEvent)
}

// MACFilter decides whether a peer may start discovery.
type MACFilter interface {
	Check(mac net.HardwareAddr) bool
}

// SessionHandlers fans each event out to every handler in order.
type SessionHandlers []SessionHandler

func (hs SessionHandlers) SessionUp(ev SessionEvent) {
	for _, h := range hs {
		h.SessionUp(ev)
	}
}

func (hs SessionHandlers) SessionDown(ev SessionEvent) {
	for _, h := range hs {
		h.SessionDown(ev)
	}
}

type nopSessionHandler struct{}

func (nopSessionHandler) SessionUp(SessionEvent)   {}
func (nopSessionHandler) SessionDown(SessionEvent) {}
