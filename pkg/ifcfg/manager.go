// Package ifcfg brings per-session network interfaces up and down once a
// PPPoE session has been established.
package ifcfg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/pppoe-ac/pkg/pppoe"
)

// IPv6 sysctls written under /proc/sys/net/ipv6/conf/<ifname>/ before any
// IPv6 address is added.
var ipv6Sysctls = []struct{ key, value string }{
	{"accept_ra", "0"},
	{"autoconf", "0"},
	{"forwarding", "1"},
}

// Params describes the configuration applied to one session interface.
type Params struct {
	IfName string
	// Local and Peer are the IPv4 point-to-point endpoints. Both must be
	// set for an IPv4 address to be added.
	Local net.IP
	Peer  net.IP
	// IPv6InterfaceID is the low 64 bits of every IPv6 address added. Zero
	// disables IPv6 configuration.
	IPv6InterfaceID uint64
	IPv6Prefixes    []*net.IPNet
}

// Address is one address to add to or remove from an interface.
type Address struct {
	IPNet *net.IPNet
	// Peer is the remote end of a point-to-point address, if any.
	Peer *net.IPNet
}

func (a Address) String() string {
	if a.Peer != nil {
		return fmt.Sprintf("%s peer %s", a.IPNet, a.Peer)
	}
	return a.IPNet.String()
}

// Platform applies interface changes to the kernel. This interface allows
// for testing.
type Platform interface {
	AddAddress(ifname string, addr Address) error
	DelAddress(ifname string, addr Address) error
	SetIPv6Sysctl(ifname, key, value string) error
	SetLinkUp(ifname string) error
	SetLinkDown(ifname string) error
	Close() error
}

// Resolver maps a session event to the interface it should configure. A
// false return skips the session.
type Resolver func(ev pppoe.SessionEvent) (Params, bool)

// Config holds Manager settings.
type Config struct {
	Resolver  Resolver
	QueueSize int
}

// Stats holds Manager counters.
type Stats struct {
	Active   int    `json:"active"`
	Ups      uint64 `json:"ups"`
	Downs    uint64 `json:"downs"`
	Failures uint64 `json:"failures"`
	Dropped  uint64 `json:"dropped"`
}

type opType int

const (
	opUp opType = iota
	opDown
)

type operation struct {
	typ    opType
	connID string
	params Params
}

// Manager configures session interfaces. Session events are queued and
// applied by a single worker so the PPPoE packet context never blocks on
// netlink.
type Manager struct {
	platform Platform
	resolve  Resolver
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]Params

	// qmu guards ops against sends after Stop closes it.
	qmu     sync.RWMutex
	ops     chan operation
	stopped bool

	ups      atomic.Uint64
	downs    atomic.Uint64
	failures atomic.Uint64
	dropped  atomic.Uint64

	wg sync.WaitGroup
}

// NewManager creates a manager that applies changes through platform.
func NewManager(cfg Config, platform Platform, logger *zap.Logger) (*Manager, error) {
	if platform == nil {
		return nil, errors.New("platform cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}

	return &Manager{
		platform: platform,
		resolve:  cfg.Resolver,
		logger:   logger,
		active:   make(map[string]Params),
		ops:      make(chan operation, cfg.QueueSize),
	}, nil
}

// Start begins the worker.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.worker()
	m.logger.Info("Interface configurator started")
}

// Stop refuses further events, applies everything already queued and
// waits for the worker. Without a running worker the queue is applied
// inline. Interfaces with no queued teardown are left as they are.
func (m *Manager) Stop() {
	m.qmu.Lock()
	if m.stopped {
		m.qmu.Unlock()
		return
	}
	m.stopped = true
	close(m.ops)
	m.qmu.Unlock()

	m.wg.Wait()
	for op := range m.ops {
		m.process(op)
	}
	m.logger.Info("Interface configurator stopped", zap.Int("active", m.Stats().Active))
}

// SessionUp queues configuration of the session's interface.
func (m *Manager) SessionUp(ev pppoe.SessionEvent) {
	if m.resolve == nil {
		return
	}
	p, ok := m.resolve(ev)
	if !ok {
		return
	}
	m.enqueue(operation{typ: opUp, connID: ev.ConnectionID, params: p})
}

// SessionDown queues teardown of whatever SessionUp configured.
func (m *Manager) SessionDown(ev pppoe.SessionEvent) {
	m.enqueue(operation{typ: opDown, connID: ev.ConnectionID})
}

func (m *Manager) enqueue(op operation) {
	m.qmu.RLock()
	defer m.qmu.RUnlock()
	if m.stopped {
		m.dropped.Add(1)
		return
	}

	select {
	case m.ops <- op:
	default:
		m.dropped.Add(1)
		m.logger.Warn("Interface operation queue full, dropping",
			zap.String("connection_id", op.connID),
		)
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for op := range m.ops {
		m.process(op)
	}
}

func (m *Manager) process(op operation) {
	switch op.typ {
	case opUp:
		if err := m.Up(op.params); err != nil {
			m.logger.Warn("Failed to configure session interface",
				zap.String("connection_id", op.connID),
				zap.String("ifname", op.params.IfName),
				zap.Error(err),
			)
		}
		m.mu.Lock()
		m.active[op.connID] = op.params
		m.mu.Unlock()

	case opDown:
		m.mu.Lock()
		p, ok := m.active[op.connID]
		delete(m.active, op.connID)
		m.mu.Unlock()
		if !ok {
			return
		}
		if err := m.Down(p); err != nil {
			m.logger.Warn("Failed to deconfigure session interface",
				zap.String("connection_id", op.connID),
				zap.String("ifname", p.IfName),
				zap.Error(err),
			)
		}
	}
}

// Up applies p and brings the link up. Every step is attempted; the
// returned error joins all failures.
func (m *Manager) Up(p Params) error {
	if p.IfName == "" {
		return errors.New("interface name required")
	}

	var errs []error
	if addr, ok := ipv4Address(p); ok {
		if err := m.platform.AddAddress(p.IfName, addr); err != nil {
			errs = append(errs, fmt.Errorf("add %s: %w", addr, err))
		}
	}

	if p.IPv6InterfaceID != 0 {
		for _, s := range ipv6Sysctls {
			if err := m.platform.SetIPv6Sysctl(p.IfName, s.key, s.value); err != nil {
				errs = append(errs, fmt.Errorf("sysctl %s: %w", s.key, err))
			}
		}
		for _, addr := range ipv6Addresses(p) {
			if err := m.platform.AddAddress(p.IfName, addr); err != nil {
				errs = append(errs, fmt.Errorf("add %s: %w", addr, err))
			}
		}
	}

	if err := m.platform.SetLinkUp(p.IfName); err != nil {
		errs = append(errs, fmt.Errorf("link up: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		m.failures.Add(1)
		return err
	}
	m.ups.Add(1)
	m.logger.Debug("Session interface up",
		zap.String("ifname", p.IfName),
		zap.Stringer("local", p.Local),
		zap.Stringer("peer", p.Peer),
	)
	return nil
}

// Down brings the link down and removes the addresses Up added.
func (m *Manager) Down(p Params) error {
	if p.IfName == "" {
		return errors.New("interface name required")
	}

	var errs []error
	if err := m.platform.SetLinkDown(p.IfName); err != nil {
		errs = append(errs, fmt.Errorf("link down: %w", err))
	}
	if addr, ok := ipv4Address(p); ok {
		if err := m.platform.DelAddress(p.IfName, addr); err != nil {
			errs = append(errs, fmt.Errorf("del %s: %w", addr, err))
		}
	}
	if p.IPv6InterfaceID != 0 {
		for _, addr := range ipv6Addresses(p) {
			if err := m.platform.DelAddress(p.IfName, addr); err != nil {
				errs = append(errs, fmt.Errorf("del %s: %w", addr, err))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		m.failures.Add(1)
		return err
	}
	m.downs.Add(1)
	m.logger.Debug("Session interface down", zap.String("ifname", p.IfName))
	return nil
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	active := len(m.active)
	m.mu.Unlock()
	return Stats{
		Active:   active,
		Ups:      m.ups.Load(),
		Downs:    m.downs.Load(),
		Failures: m.failures.Load(),
		Dropped:  m.dropped.Load(),
	}
}

func ipv4Address(p Params) (Address, bool) {
	local, peer := p.Local.To4(), p.Peer.To4()
	if local == nil || peer == nil {
		return Address{}, false
	}
	host := net.CIDRMask(32, 32)
	return Address{
		IPNet: &net.IPNet{IP: local, Mask: host},
		Peer:  &net.IPNet{IP: peer, Mask: host},
	}, true
}

// ipv6Addresses returns the link-local address followed by one address per
// prefix no longer than /64, each built from the interface ID.
func ipv6Addresses(p Params) []Address {
	ll := make(net.IP, net.IPv6len)
	ll[0], ll[1] = 0xfe, 0x80
	binary.BigEndian.PutUint64(ll[8:], p.IPv6InterfaceID)

	out := []Address{{IPNet: &net.IPNet{IP: ll, Mask: net.CIDRMask(64, 128)}}}
	for _, pfx := range p.IPv6Prefixes {
		if pfx == nil || pfx.IP.To4() != nil {
			continue
		}
		ones, bits := pfx.Mask.Size()
		if bits != 128 || ones > 64 {
			continue
		}
		ip := make(net.IP, net.IPv6len)
		copy(ip, pfx.IP.To16().Mask(pfx.Mask))
		binary.BigEndian.PutUint64(ip[8:], p.IPv6InterfaceID)
		out = append(out, Address{IPNet: &net.IPNet{IP: ip, Mask: pfx.Mask}})
	}
	return out
}

// InterfaceIDFromMAC returns the modified EUI-64 interface ID for mac.
func InterfaceIDFromMAC(mac net.HardwareAddr) uint64 {
	if len(mac) != 6 {
		return 0
	}
	var b [8]byte
	b[0] = mac[0] ^ 0x02
	b[1], b[2] = mac[1], mac[2]
	b[3], b[4] = 0xff, 0xfe
	b[5], b[6], b[7] = mac[3], mac[4], mac[5]
	return binary.BigEndian.Uint64(b[:])
}

// NameResolver returns a Resolver that configures the interface named by
// formatting pattern with the session ID (e.g. "ppp%d") and derives the
// IPv6 interface ID from the peer MAC.
func NameResolver(pattern string, prefixes []*net.IPNet) Resolver {
	return func(ev pppoe.SessionEvent) (Params, bool) {
		if pattern == "" {
			return Params{}, false
		}
		return Params{
			IfName:          fmt.Sprintf(pattern, ev.SessionID),
			IPv6InterfaceID: InterfaceIDFromMAC(ev.PeerMAC),
			IPv6Prefixes:    prefixes,
		}, true
	}
}
