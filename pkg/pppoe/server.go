package pppoe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrServerStopping is returned for operations on a stopped server.
	ErrServerStopping = errors.New("server is stopping")

	// ErrSessionNotFound is returned when no established session holds a SID.
	ErrSessionNotFound = errors.New("session not found")
)

const (
	defaultACName       = "BNG-AC"
	defaultPADIWindow   = time.Second
	defaultOfferTimeout = 30 * time.Second
	defaultSweep        = time.Second
	frameQueueLen       = 256
	maxFrameLen         = 1522

	minReadBackoff   = 10 * time.Millisecond
	maxReadBackoff   = time.Second
	readWarnInterval = time.Minute
)

// Transport sends and receives raw Ethernet frames of the discovery EtherType.
type Transport interface {
	ReadFrame(buf []byte) (int, error)
	WriteFrame(dst net.HardwareAddr, frame []byte) error
	Close() error
}

// ServerConfig configures the discovery engine of one interface
type ServerConfig struct {
	Interface          string
	ACName             string
	ServiceNames       []string
	RequireServiceName bool
	ExactServiceName   bool

	PADILimit        int           // PADIs per PADIWindow, 0 = unlimited
	PADIWindow       time.Duration // default 1s
	PADIWarnInterval time.Duration // default 1m
	PADODelay        string        // delay-tier expression, see ParsePADODelay

	OfferTimeout  time.Duration // unanswered offers are forgotten after this (default 30s)
	IdleTimeout   time.Duration // 0 disables idle teardown
	SweepInterval time.Duration // default 1s

	// Secret keys the AC-Cookie; a random one is drawn when empty.
	Secret []byte
}

// Option customises a Server.
type Option func(*Server)

// WithTransport replaces the AF_PACKET socket, mainly for tests.
func WithTransport(t Transport) Option {
	return func(s *Server) { s.transport = t }
}

// WithSessionHandler sets the receiver of session up/down events.
func WithSessionHandler(h SessionHandler) Option {
	return func(s *Server) {
		if h != nil {
			s.handler = h
		}
	}
}

// WithMACFilter sets the predicate consulted before admitting a PADI.
func WithMACFilter(f MACFilter) Option {
	return func(s *Server) { s.filter = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

type pendingPADO struct {
	pkt      *Packet
	key      string // offerKey of the requesting peer
	queuedAt time.Time
	deadline time.Time
}

// teardown is a removed session whose PADT and event are still to be sent.
type teardown struct {
	peer  net.HardwareAddr
	sid   uint16
	relay []byte
	ev    SessionEvent
}

type serverStats struct {
	padiReceived       uint64
	padoSent           uint64
	padrReceived       uint64
	padrDupReceived    uint64
	padsSent           uint64
	padiDropped        uint64
	padtReceived       uint64
	padtSent           uint64
	malformed          uint64
	cookieMismatch     uint64
	invalidState       uint64
	serviceNameRejects uint64
	sidExhausted       uint64
	filtered           uint64
	sessionsTotal      uint64
}

// Server is the PPPoE discovery engine bound to one interface.
//
// Frames and timers are processed by a single goroutine. The mutex guards
// everything that administrative calls (Terminate, Stop, statistics) touch
// from other goroutines. No I/O happens while it is held.
type Server struct {
	iface     string
	ifi       *net.Interface
	serverMAC net.HardwareAddr
	cfg       ServerConfig
	logger    *zap.Logger

	serviceNames *ServiceNames
	cookies      *CookieEngine

	transport Transport
	handler   SessionHandler
	filter    MACFilter
	now       func() time.Time

	mu       sync.Mutex
	table    *SessionTable
	offers   map[string]*Connection // peer MAC + Host-Uniq
	byCookie map[string]*Connection // peer MAC + AC-Cookie
	pending  []*pendingPADO         // ordered by deadline
	guard    *FloodGuard
	dpado    *PADODelay
	stopping bool
	started  bool
	cancel   context.CancelFunc

	// evMu orders PADS/PADT writes and handler events the same way as the
	// state changes behind them. It is taken before mu is released and is
	// never held while acquiring mu, so handlers must not call back into
	// the server.
	evMu sync.Mutex

	wake chan struct{}
	wg   sync.WaitGroup

	stats serverStats
}

// NewServer creates a new PPPoE server
func NewServer(cfg ServerConfig, logger *zap.Logger, opts ...Option) (*Server, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("interface required")
	}

	iface, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("failed to get interface: %w", err)
	}

	return newServerWithInterface(cfg, logger, iface, opts)
}

// NewServerWithInterface creates a new PPPoE server with explicit interface (for testing)
func NewServerWithInterface(cfg ServerConfig, logger *zap.Logger, iface *net.Interface, opts ...Option) (*Server, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("interface required")
	}
	if iface == nil {
		return nil, fmt.Errorf("interface cannot be nil")
	}
	return newServerWithInterface(cfg, logger, iface, opts)
}

func newServerWithInterface(cfg ServerConfig, logger *zap.Logger, iface *net.Interface, opts []Option) (*Server, error) {
	if len(iface.HardwareAddr) != 6 {
		return nil, fmt.Errorf("interface %s has no Ethernet address", cfg.Interface)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.ACName == "" {
		cfg.ACName = defaultACName
	}
	if cfg.PADIWindow <= 0 {
		cfg.PADIWindow = defaultPADIWindow
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = defaultOfferTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweep
	}

	names, err := NewServiceNames(cfg.ServiceNames...)
	if err != nil {
		return nil, fmt.Errorf("invalid service names: %w", err)
	}

	dpado, err := ParsePADODelay(cfg.PADODelay)
	if err != nil {
		return nil, err
	}

	secret := cfg.Secret
	if len(secret) == 0 {
		if secret, err = NewSecret(); err != nil {
			return nil, err
		}
	}
	cookies, err := NewCookieEngine(secret)
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("interface", cfg.Interface))

	s := &Server{
		iface:        cfg.Interface,
		ifi:          iface,
		serverMAC:    cloneMAC(iface.HardwareAddr),
		cfg:          cfg,
		logger:       logger,
		serviceNames: names,
		cookies:      cookies,
		handler:      nopSessionHandler{},
		now:          time.Now,
		table:        NewSessionTable(),
		offers:       make(map[string]*Connection),
		byCookie:     make(map[string]*Connection),
		guard:        NewFloodGuard(cfg.PADILimit, cfg.PADIWindow, cfg.PADIWarnInterval, logger),
		dpado:        dpado,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Interface returns the name of the interface the server is bound to.
func (s *Server) Interface() string {
	return s.iface
}

// HardwareAddr returns the interface's Ethernet address.
func (s *Server) HardwareAddr() net.HardwareAddr {
	return cloneMAC(s.serverMAC)
}

// ServiceNames returns the live service-name set; edits apply to the next
// PADI or PADR.
func (s *Server) ServiceNames() *ServiceNames {
	return s.serviceNames
}

// Start opens the socket and starts packet processing
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrServerStopping
	}
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server on %s already started", s.iface)
	}
	transport := s.transport
	s.mu.Unlock()

	var opened Transport
	if transport == nil {
		t, err := openTransport(s.ifi)
		if err != nil {
			return fmt.Errorf("failed to open socket: %w", err)
		}
		opened = t
	}

	s.mu.Lock()
	if s.stopping || s.started {
		stopping := s.stopping
		s.mu.Unlock()
		if opened != nil {
			opened.Close()
		}
		if stopping {
			return ErrServerStopping
		}
		return fmt.Errorf("server on %s already started", s.iface)
	}
	if opened != nil {
		s.transport = opened
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	s.mu.Unlock()

	frames := make(chan []byte, frameQueueLen)
	s.wg.Add(2)
	go s.readLoop(ctx, frames)
	go s.run(ctx, frames)

	s.logger.Info("Starting PPPoE discovery",
		zap.String("ac_name", s.cfg.ACName),
		zap.Strings("service_names", s.serviceNames.List()),
		zap.Int("padi_limit", s.cfg.PADILimit),
		zap.String("pado_delay", s.dpado.String()),
	)
	return nil
}

// Stop terminates every live session with a PADT, notifies the session
// handler and closes the socket. It is safe to call more than once.
func (s *Server) Stop() error {
	now := s.now()

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true

	var live []*Connection
	s.table.Range(func(_ uint16, c *Connection) bool {
		live = append(live, c)
		return true
	})
	downs := make([]teardown, 0, len(live))
	for _, c := range live {
		downs = append(downs, s.removeLocked(c, TerminateCauseNASReboot, now))
	}
	for key, c := range s.offers {
		c.State = StateTerminated
		delete(s.offers, key)
	}
	s.byCookie = make(map[string]*Connection)
	s.pending = nil
	cancel := s.cancel
	transport := s.transport
	s.evMu.Lock()
	s.mu.Unlock()

	s.logger.Info("Stopping PPPoE discovery", zap.Int("sessions", len(downs)))

	for _, d := range downs {
		s.sendPADT(d)
		s.handler.SessionDown(d.ev)
	}
	s.evMu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if transport != nil {
		err = transport.Close()
	}
	s.wg.Wait()
	return err
}

// readLoop receives frames and hands them to the run loop
func (s *Server) readLoop(ctx context.Context, frames chan<- []byte) {
	defer s.wg.Done()
	defer close(frames)

	buf := make([]byte, maxFrameLen)
	backoff := time.Duration(0)
	var lastWarn time.Time
	for {
		n, err := s.transport.ReadFrame(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = min(max(2*backoff, minReadBackoff), maxReadBackoff)
			if now := time.Now(); now.Sub(lastWarn) >= readWarnInterval {
				lastWarn = now
				s.logger.Warn("Discovery socket read failed",
					zap.Duration("retry_in", backoff),
					zap.Error(err),
				)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 0

		frame := make([]byte, n)
		copy(frame, buf[:n])
		select {
		case frames <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// run is the server's packet context: frames, the PADO timer and the sweep
// ticker are handled one at a time.
func (s *Server) run(ctx context.Context, frames <-chan []byte) {
	defer s.wg.Done()

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if deadline, ok := s.nextDeadline(); ok {
			timer.Reset(deadline.Sub(s.now()))
		} else {
			timer.Stop()
		}

		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			s.HandleFrame(frame)
		case <-timer.C:
			s.firePending(s.now())
		case <-sweep.C:
			s.sweep(s.now())
		case <-s.wake:
		}
	}
}

// HandleFrame runs one state machine step for a received frame. It must
// only be called from the server's packet context.
func (s *Server) HandleFrame(frame []byte) {
	pkt, err := Decode(frame)
	if err != nil {
		atomic.AddUint64(&s.stats.malformed, 1)
		s.logger.Debug("Dropping malformed discovery frame", zap.Error(err))
		return
	}

	if !isUnicastMAC(pkt.SrcMAC) || bytes.Equal(pkt.SrcMAC, s.serverMAC) {
		atomic.AddUint64(&s.stats.invalidState, 1)
		return
	}
	if !IsBroadcastMAC(pkt.DstMAC) && !bytes.Equal(pkt.DstMAC, s.serverMAC) {
		return
	}

	switch pkt.Code {
	case CodePADI:
		atomic.AddUint64(&s.stats.padiReceived, 1)
		s.handlePADI(pkt)
	case CodePADR:
		atomic.AddUint64(&s.stats.padrReceived, 1)
		s.handlePADR(pkt)
	case CodePADT:
		atomic.AddUint64(&s.stats.padtReceived, 1)
		s.handlePADT(pkt)
	default:
		atomic.AddUint64(&s.stats.invalidState, 1)
		s.logger.Debug("Ignoring discovery packet",
			zap.String("code", CodeName(pkt.Code)),
			zap.String("peer_mac", pkt.SrcMAC.String()),
		)
	}
}

// handlePADI handles PPPoE Active Discovery Initiation
func (s *Server) handlePADI(pkt *Packet) {
	if s.filter != nil && !s.filter.Check(pkt.SrcMAC) {
		atomic.AddUint64(&s.stats.filtered, 1)
		s.logger.Debug("PADI rejected by MAC filter", zap.String("peer_mac", pkt.SrcMAC.String()))
		return
	}

	now := s.now()
	hostUniq := tagValue(pkt.Tags, TagHostUniq)

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		atomic.AddUint64(&s.stats.padiDropped, 1)
		return
	}

	// A retransmitted PADI gets the same offer again, or waits for the
	// PADO already queued for it.
	key := offerKey(pkt.SrcMAC, hostUniq)
	if _, ok := s.offers[key]; ok {
		frame := s.offerLocked(pkt, now)
		s.mu.Unlock()
		s.send(pkt.SrcMAC, frame, &s.stats.padoSent)
		return
	}
	if s.queuedLocked(key) {
		s.mu.Unlock()
		s.logger.Debug("PADO already queued for retransmitted PADI", zap.String("peer_mac", pkt.SrcMAC.String()))
		return
	}

	if s.guard.Admit(now) == Dropped {
		s.mu.Unlock()
		atomic.AddUint64(&s.stats.padiDropped, 1)
		return
	}

	delay, reply := s.dpado.Current()
	if !reply {
		s.mu.Unlock()
		atomic.AddUint64(&s.stats.padiDropped, 1)
		s.logger.Debug("PADO suppressed by delay tier", zap.String("peer_mac", pkt.SrcMAC.String()))
		return
	}
	if delay > 0 {
		s.queuePendingLocked(&pendingPADO{pkt: pkt, key: key, queuedAt: now, deadline: now.Add(delay)})
		s.mu.Unlock()
		s.signal()
		return
	}

	frame := s.offerLocked(pkt, now)
	s.mu.Unlock()
	s.send(pkt.SrcMAC, frame, &s.stats.padoSent)
}

// offerLocked matches the service name and builds the PADO for pkt,
// creating or refreshing the offered connection.
func (s *Server) offerLocked(pkt *Packet, now time.Time) []byte {
	requested := FindTag(pkt.Tags, TagServiceName)
	configured := s.serviceNames.List()
	result, name := MatchServiceName(requested, configured, s.cfg.RequireServiceName, s.cfg.ExactServiceName)

	tags := []Tag{{Type: TagACName, Value: []byte(s.cfg.ACName)}}

	if result != MatchAccept {
		atomic.AddUint64(&s.stats.serviceNameRejects, 1)
		s.logger.Debug("Service name rejected in PADI",
			zap.String("peer_mac", pkt.SrcMAC.String()),
			zap.String("requested", tagString(requested)),
			zap.String("result", result.String()),
		)
		tags = append(tags, serviceNameErrorTags(requested, result)...)
		tags = appendEchoTags(tags, pkt.Tags)
		return s.encode(pkt.SrcMAC, CodePADO, 0, tags)
	}

	hostUniq := tagValue(pkt.Tags, TagHostUniq)
	key := offerKey(pkt.SrcMAC, hostUniq)
	conn := s.offers[key]
	if conn == nil {
		nonce, err := newNonce()
		if err != nil {
			s.logger.Error("Failed to generate AC-Cookie",
				zap.String("peer_mac", pkt.SrcMAC.String()),
				zap.Error(err),
			)
			return nil
		}
		cookie := s.cookies.Generate(CookieIdentity{Local: s.serverMAC, Peer: pkt.SrcMAC, Nonce: nonce})

		conn = newConnection(pkt.SrcMAC, now)
		conn.Cookie = cookie[:]
		conn.HostUniq = cloneBytes(hostUniq)
		s.offers[key] = conn
		s.byCookie[cookieKey(pkt.SrcMAC, conn.Cookie)] = conn
	}
	conn.LastActivity = now
	conn.ServiceName = name
	conn.RelaySessionID = cloneBytes(tagValue(pkt.Tags, TagRelaySessionID))

	for _, n := range offeredServiceNames(name, configured, s.cfg.ExactServiceName) {
		tags = append(tags, Tag{Type: TagServiceName, Value: []byte(n)})
	}
	tags = append(tags, Tag{Type: TagACCookie, Value: cloneBytes(conn.Cookie)})
	tags = appendEchoTags(tags, pkt.Tags)

	return s.encode(pkt.SrcMAC, CodePADO, 0, tags)
}

// handlePADR handles PPPoE Active Discovery Request
func (s *Server) handlePADR(pkt *Packet) {
	if !bytes.Equal(pkt.DstMAC, s.serverMAC) || pkt.SessionID != 0 {
		atomic.AddUint64(&s.stats.invalidState, 1)
		s.logger.Debug("Dropping PADR not addressed to a new session",
			zap.String("peer_mac", pkt.SrcMAC.String()),
			zap.Uint16("session_id", pkt.SessionID),
		)
		return
	}

	cookie := FindTag(pkt.Tags, TagACCookie)
	if cookie == nil || !s.cookies.Verify(s.serverMAC, pkt.SrcMAC, cookie.Value) {
		atomic.AddUint64(&s.stats.cookieMismatch, 1)
		s.logger.Debug("PADR with invalid AC-Cookie", zap.String("peer_mac", pkt.SrcMAC.String()))
		return
	}

	now := s.now()
	ck := cookieKey(pkt.SrcMAC, cookie.Value)

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}

	conn := s.byCookie[ck]
	if conn != nil && conn.State == StateSession {
		frame := conn.pads
		s.evMu.Lock()
		s.mu.Unlock()
		atomic.AddUint64(&s.stats.padrDupReceived, 1)
		s.send(pkt.SrcMAC, frame, &s.stats.padsSent)
		s.evMu.Unlock()
		return
	}

	requested := FindTag(pkt.Tags, TagServiceName)
	result, name := MatchServiceName(requested, s.serviceNames.List(), s.cfg.RequireServiceName, s.cfg.ExactServiceName)
	if result != MatchAccept {
		s.forgetOfferLocked(conn)
		tags := appendEchoTags(serviceNameErrorTags(requested, result), pkt.Tags)
		frame := s.encode(pkt.SrcMAC, CodePADS, 0, tags)
		s.evMu.Lock()
		s.mu.Unlock()

		atomic.AddUint64(&s.stats.serviceNameRejects, 1)
		s.logger.Info("Service name rejected in PADR",
			zap.String("peer_mac", pkt.SrcMAC.String()),
			zap.String("requested", tagString(requested)),
			zap.String("result", result.String()),
		)
		s.send(pkt.SrcMAC, frame, &s.stats.padsSent)
		s.evMu.Unlock()
		return
	}

	if conn == nil {
		conn = newConnection(pkt.SrcMAC, now)
		conn.Cookie = cloneBytes(cookie.Value)
	}

	sid, err := s.table.Allocate(conn)
	if err != nil {
		s.forgetOfferLocked(conn)
		tags := []Tag{
			{Type: TagServiceName, Value: []byte(name)},
			{Type: TagACSystemErr, Value: []byte("session limit reached")},
		}
		frame := s.encode(pkt.SrcMAC, CodePADS, 0, appendEchoTags(tags, pkt.Tags))
		s.evMu.Lock()
		s.mu.Unlock()

		atomic.AddUint64(&s.stats.sidExhausted, 1)
		s.logger.Warn("No session ID available for PADR", zap.String("peer_mac", pkt.SrcMAC.String()))
		s.send(pkt.SrcMAC, frame, &s.stats.padsSent)
		s.evMu.Unlock()
		return
	}

	tags := appendEchoTags([]Tag{{Type: TagServiceName, Value: []byte(name)}}, pkt.Tags)
	frame := s.encode(pkt.SrcMAC, CodePADS, sid, tags)
	if frame == nil {
		s.table.Free(sid)
		s.forgetOfferLocked(conn)
		s.mu.Unlock()
		return
	}

	delete(s.offers, offerKey(conn.PeerMAC, conn.HostUniq))
	conn.State = StateSession
	conn.SessionID = sid
	conn.ServiceName = name
	conn.HostUniq = cloneBytes(tagValue(pkt.Tags, TagHostUniq))
	conn.RelaySessionID = cloneBytes(tagValue(pkt.Tags, TagRelaySessionID))
	if vs := FindVendorTag(pkt.Tags, VendorADSLForum); vs != nil {
		conn.VendorSpecific = cloneBytes(vs.Value)
	}
	conn.EstablishedAt = now
	conn.LastActivity = now
	conn.pads = frame
	s.byCookie[ck] = conn
	s.connCountChangedLocked(true)
	ev := s.eventLocked(conn, 0, now)
	s.evMu.Lock()
	s.mu.Unlock()
	defer s.evMu.Unlock()

	s.send(pkt.SrcMAC, frame, &s.stats.padsSent)
	atomic.AddUint64(&s.stats.sessionsTotal, 1)

	s.logger.Info("PPPoE session created",
		zap.Uint16("session_id", sid),
		zap.String("peer_mac", pkt.SrcMAC.String()),
		zap.String("service_name", name),
	)
	s.handler.SessionUp(ev)
}

// handlePADT handles PPPoE Active Discovery Terminate
func (s *Server) handlePADT(pkt *Packet) {
	now := s.now()

	s.mu.Lock()
	conn := s.table.Lookup(pkt.SessionID)
	if conn == nil || conn.State != StateSession || !bytes.Equal(conn.PeerMAC, pkt.SrcMAC) {
		s.mu.Unlock()
		atomic.AddUint64(&s.stats.invalidState, 1)
		s.logger.Debug("PADT for unknown session",
			zap.Uint16("session_id", pkt.SessionID),
			zap.String("peer_mac", pkt.SrcMAC.String()),
		)
		return
	}
	d := s.removeLocked(conn, TerminateCauseUserRequest, now)
	s.evMu.Lock()
	s.mu.Unlock()
	defer s.evMu.Unlock()

	s.logger.Info("PPPoE session terminated by client",
		zap.Uint16("session_id", pkt.SessionID),
		zap.String("peer_mac", pkt.SrcMAC.String()),
	)
	s.handler.SessionDown(d.ev)
}

// Terminate tears down an established session from above, sending a PADT
// to the peer.
func (s *Server) Terminate(sid uint16, cause TerminateCause) error {
	now := s.now()

	s.mu.Lock()
	conn := s.table.Lookup(sid)
	if conn == nil || conn.State != StateSession {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrSessionNotFound, sid)
	}
	d := s.removeLocked(conn, cause, now)
	s.evMu.Lock()
	s.mu.Unlock()
	defer s.evMu.Unlock()

	s.sendPADT(d)
	s.logger.Info("PPPoE session terminated",
		zap.Uint16("session_id", sid),
		zap.String("peer_mac", d.peer.String()),
		zap.String("cause", cause.String()),
	)
	s.handler.SessionDown(d.ev)
	return nil
}

// Touch records session activity for the idle timeout.
func (s *Server) Touch(sid uint16) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn := s.table.Lookup(sid); conn != nil && conn.State == StateSession {
		conn.LastActivity = now
	}
}

// removeLocked moves a connection to TERMINATED and unlinks it everywhere.
func (s *Server) removeLocked(conn *Connection, cause TerminateCause, now time.Time) teardown {
	ev := s.eventLocked(conn, cause, now)
	conn.State = StateTerminated
	s.table.Free(conn.SessionID)
	delete(s.byCookie, cookieKey(conn.PeerMAC, conn.Cookie))
	s.connCountChangedLocked(false)
	return teardown{
		peer:  cloneMAC(conn.PeerMAC),
		sid:   conn.SessionID,
		relay: cloneBytes(conn.RelaySessionID),
		ev:    ev,
	}
}

// forgetOfferLocked drops an offered connection after a failed PADR.
func (s *Server) forgetOfferLocked(conn *Connection) {
	if conn == nil || conn.State != StateOffered {
		return
	}
	conn.State = StateTerminated
	delete(s.offers, offerKey(conn.PeerMAC, conn.HostUniq))
	delete(s.byCookie, cookieKey(conn.PeerMAC, conn.Cookie))
}

// connCountChangedLocked moves the delay tier and re-evaluates queued
// PADOs. Queued deadlines only ever move earlier.
func (s *Server) connCountChangedLocked(up bool) {
	n := s.table.Count()
	if up {
		s.dpado.CheckNext(n)
	} else {
		s.dpado.CheckPrev(n)
	}
	if len(s.pending) == 0 {
		return
	}

	delay, reply := s.dpado.Current()
	if !reply {
		return
	}
	for _, p := range s.pending {
		if d := p.queuedAt.Add(delay); d.Before(p.deadline) {
			p.deadline = d
		}
	}
	sort.SliceStable(s.pending, func(i, j int) bool {
		return s.pending[i].deadline.Before(s.pending[j].deadline)
	})
	s.signal()
}

func (s *Server) queuePendingLocked(p *pendingPADO) {
	i := sort.Search(len(s.pending), func(i int) bool {
		return s.pending[i].deadline.After(p.deadline)
	})
	s.pending = append(s.pending, nil)
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = p
}

func (s *Server) queuedLocked(key string) bool {
	for _, p := range s.pending {
		if p.key == key {
			return true
		}
	}
	return false
}

func (s *Server) nextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return time.Time{}, false
	}
	return s.pending[0].deadline, true
}

// firePending sends every queued PADO whose deadline has passed.
func (s *Server) firePending(now time.Time) {
	type out struct {
		dst   net.HardwareAddr
		frame []byte
	}
	var sends []out

	s.mu.Lock()
	for len(s.pending) > 0 && !s.pending[0].deadline.After(now) {
		p := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		if frame := s.offerLocked(p.pkt, now); frame != nil {
			sends = append(sends, out{dst: p.pkt.SrcMAC, frame: frame})
		}
	}
	s.mu.Unlock()

	for _, o := range sends {
		s.send(o.dst, o.frame, &s.stats.padoSent)
	}
}

// sweep expires stale offers and idle sessions and rolls the PADI window.
func (s *Server) sweep(now time.Time) {
	s.mu.Lock()
	s.guard.Prune(now)

	for key, c := range s.offers {
		if now.Sub(c.LastActivity) > s.cfg.OfferTimeout {
			c.State = StateTerminated
			delete(s.offers, key)
			delete(s.byCookie, cookieKey(c.PeerMAC, c.Cookie))
		}
	}

	var downs []teardown
	if s.cfg.IdleTimeout > 0 {
		var idle []*Connection
		s.table.Range(func(_ uint16, c *Connection) bool {
			if now.Sub(c.LastActivity) > s.cfg.IdleTimeout {
				idle = append(idle, c)
			}
			return true
		})
		for _, c := range idle {
			downs = append(downs, s.removeLocked(c, TerminateCauseIdleTimeout, now))
		}
	}
	s.evMu.Lock()
	s.mu.Unlock()
	defer s.evMu.Unlock()

	for _, d := range downs {
		s.sendPADT(d)
		s.logger.Info("PPPoE session idle timeout",
			zap.Uint16("session_id", d.sid),
			zap.String("peer_mac", d.peer.String()),
		)
		s.handler.SessionDown(d.ev)
	}
}

// eventLocked builds the collaborator event for conn.
func (s *Server) eventLocked(conn *Connection, cause TerminateCause, now time.Time) SessionEvent {
	ev := SessionEvent{
		Interface:      s.iface,
		ConnectionID:   conn.ID,
		SessionID:      conn.SessionID,
		LocalMAC:       cloneMAC(s.serverMAC),
		PeerMAC:        cloneMAC(conn.PeerMAC),
		ServiceName:    conn.ServiceName,
		HostUniq:       cloneBytes(conn.HostUniq),
		RelaySessionID: cloneBytes(conn.RelaySessionID),
		Cause:          cause,
		Duration:       conn.Duration(now),
	}
	if len(conn.VendorSpecific) > 0 {
		info, err := ParseTR101(conn.VendorSpecific)
		if err != nil {
			s.logger.Debug("Ignoring malformed TR-101 tag",
				zap.Uint16("session_id", conn.SessionID),
				zap.Error(err),
			)
		} else {
			ev.TR101 = info
		}
	}
	return ev
}

func (s *Server) sendPADT(d teardown) {
	var tags []Tag
	if d.relay != nil {
		tags = append(tags, Tag{Type: TagRelaySessionID, Value: d.relay})
	}
	s.send(d.peer, s.encode(d.peer, CodePADT, d.sid, tags), &s.stats.padtSent)
}

func (s *Server) encode(dst net.HardwareAddr, code uint8, sid uint16, tags []Tag) []byte {
	pkt := &Packet{
		SrcMAC:    s.serverMAC,
		DstMAC:    dst,
		Code:      code,
		SessionID: sid,
		Tags:      tags,
	}
	frame, err := pkt.Encode()
	if err != nil {
		s.logger.Error("Failed to encode discovery packet",
			zap.String("code", CodeName(code)),
			zap.String("peer_mac", dst.String()),
			zap.Error(err),
		)
		return nil
	}
	return frame
}

func (s *Server) send(dst net.HardwareAddr, frame []byte, counter *uint64) {
	if frame == nil || s.transport == nil {
		return
	}
	if err := s.transport.WriteFrame(dst, frame); err != nil {
		s.logger.Warn("Failed to send discovery packet",
			zap.String("peer_mac", dst.String()),
			zap.Error(err),
		)
		return
	}
	atomic.AddUint64(counter, 1)
}

// signal wakes the run loop so it re-arms the PADO timer.
func (s *Server) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// GetSessionCount returns the number of established sessions
func (s *Server) GetSessionCount() int {
	return s.table.Count()
}

// Sessions returns a snapshot of the established sessions in SID order.
func (s *Server) Sessions() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Connection, 0, s.table.Count())
	s.table.Range(func(_ uint16, c *Connection) bool {
		out = append(out, c.snapshot())
		return true
	})
	return out
}

// GetStats returns PPPoE discovery statistics
func (s *Server) GetStats() map[string]uint64 {
	s.mu.Lock()
	offers := len(s.offers)
	delayed := len(s.pending)
	s.mu.Unlock()

	return map[string]uint64{
		"padi_received":        atomic.LoadUint64(&s.stats.padiReceived),
		"pado_sent":            atomic.LoadUint64(&s.stats.padoSent),
		"padr_received":        atomic.LoadUint64(&s.stats.padrReceived),
		"padr_dup_received":    atomic.LoadUint64(&s.stats.padrDupReceived),
		"pads_sent":            atomic.LoadUint64(&s.stats.padsSent),
		"padi_dropped":         atomic.LoadUint64(&s.stats.padiDropped),
		"padt_received":        atomic.LoadUint64(&s.stats.padtReceived),
		"padt_sent":            atomic.LoadUint64(&s.stats.padtSent),
		"malformed":            atomic.LoadUint64(&s.stats.malformed),
		"cookie_mismatch":      atomic.LoadUint64(&s.stats.cookieMismatch),
		"invalid_state":        atomic.LoadUint64(&s.stats.invalidState),
		"service_name_rejects": atomic.LoadUint64(&s.stats.serviceNameRejects),
		"sid_exhausted":        atomic.LoadUint64(&s.stats.sidExhausted),
		"filtered":             atomic.LoadUint64(&s.stats.filtered),
		"sessions_total":       atomic.LoadUint64(&s.stats.sessionsTotal),
		"sessions_active":      uint64(s.table.Count()),
		"offers_pending":       uint64(offers),
		"delayed_pado":         uint64(delayed),
	}
}

// Helper functions

func offerKey(peer net.HardwareAddr, hostUniq []byte) string {
	return string(peer) + "|" + string(hostUniq)
}

func cookieKey(peer net.HardwareAddr, cookie []byte) string {
	return string(peer) + "|" + string(cookie)
}

func tagValue(tags []Tag, tagType uint16) []byte {
	if t := FindTag(tags, tagType); t != nil {
		return t.Value
	}
	return nil
}

func tagString(t *Tag) string {
	if t == nil {
		return ""
	}
	return string(t.Value)
}

// appendEchoTags copies the tags a response must carry back unchanged.
func appendEchoTags(dst []Tag, request []Tag) []Tag {
	for _, typ := range []uint16{TagHostUniq, TagRelaySessionID} {
		if t := FindTag(request, typ); t != nil {
			dst = append(dst, Tag{Type: typ, Value: cloneBytes(t.Value)})
		}
	}
	if t := FindVendorTag(request, VendorADSLForum); t != nil {
		dst = append(dst, Tag{Type: TagVendorSpecific, Value: cloneBytes(t.Value)})
	}
	return dst
}

func serviceNameErrorTags(requested *Tag, result MatchResult) []Tag {
	msg := "requested service not available"
	if result == MatchRejectEmptyRequired {
		msg = "service name required"
	}
	var tags []Tag
	if requested != nil {
		tags = append(tags, Tag{Type: TagServiceName, Value: cloneBytes(requested.Value)})
	}
	return append(tags, Tag{Type: TagServiceNameErr, Value: []byte(msg)})
}
