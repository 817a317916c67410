// Package audit records a durable trail of PPPoE session lifecycle events.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/pppoe-ac/pkg/pppoe"
)

// ErrNoStorage is returned by Query when the logger has no storage backend.
var ErrNoStorage = errors.New("no audit storage configured")

// Config holds audit logger configuration.
type Config struct {
	// DeviceID identifies this access concentrator.
	DeviceID string

	// BufferSize bounds the queue between session handlers and the writer.
	BufferSize int

	// BatchSize triggers a write once this many events are queued.
	BatchSize int

	// FlushInterval bounds how long an event waits before it is written.
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:    10000,
		BatchSize:     256,
		FlushInterval: 5 * time.Second,
	}
}

// LoggerStats holds audit logger statistics.
type LoggerStats struct {
	EventsLogged   int64
	EventsExported int64
	EventsDropped  int64
	EventsQueued   int
	StorageErrors  int64
	ExportErrors   int64
}

// Logger writes session events to storage and exporters in batches from a
// single writer goroutine. It implements pppoe.SessionHandler.
type Logger struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	storage Storage

	expMu     sync.Mutex
	exporters []Exporter

	// mu guards the events channel against send-after-close.
	mu       sync.RWMutex
	events   chan *Event
	started  bool
	stopped  bool
	flushReq chan chan struct{}
	done     chan struct{}

	logged     atomic.Int64
	exported   atomic.Int64
	dropped    atomic.Int64
	storeErrs  atomic.Int64
	exportErrs atomic.Int64
}

// NewLogger creates a new audit logger. storage may be nil.
func NewLogger(config Config, storage Storage, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = def.FlushInterval
	}

	return &Logger{
		config:   config,
		logger:   logger,
		now:      time.Now,
		storage:  storage,
		events:   make(chan *Event, config.BufferSize),
		flushReq: make(chan chan struct{}),
		done:     make(chan struct{}),
	}
}

// AddExporter adds an exporter for audit events.
func (l *Logger) AddExporter(exporter Exporter) {
	l.expMu.Lock()
	l.exporters = append(l.exporters, exporter)
	l.expMu.Unlock()
	l.logger.Info("Added audit exporter", zap.String("name", exporter.Name()))
}

// Start records SYSTEM_START and starts the writer.
func (l *Logger) Start() {
	l.mu.Lock()
	if l.started || l.stopped {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	l.LogEvent(&Event{Type: EventSystemStart})
	go l.run()

	l.logger.Info("Audit logger started",
		zap.String("device_id", l.config.DeviceID),
		zap.Duration("flush_interval", l.config.FlushInterval),
	)
}

// Stop records SYSTEM_STOP, writes everything still queued and closes the
// backends. Later events are ignored.
func (l *Logger) Stop() {
	l.LogEvent(&Event{Type: EventSystemStop})

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	close(l.events)
	started := l.started
	l.mu.Unlock()

	if started {
		<-l.done
	} else {
		var rest []*Event
		for e := range l.events {
			rest = append(rest, e)
		}
		l.write(rest)
	}

	for _, exp := range l.snapshotExporters() {
		if err := exp.Close(); err != nil {
			l.logger.Warn("Error closing exporter",
				zap.String("exporter", exp.Name()),
				zap.Error(err),
			)
		}
	}
	if l.storage != nil {
		if err := l.storage.Close(); err != nil {
			l.logger.Warn("Error closing storage", zap.Error(err))
		}
	}

	l.logger.Info("Audit logger stopped",
		zap.Int64("logged", l.logged.Load()),
		zap.Int64("dropped", l.dropped.Load()),
	)
}

// LogEvent queues event. It never blocks; events arriving with a full
// queue are dropped and counted.
func (l *Logger) LogEvent(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.DeviceID == "" {
		event.DeviceID = l.config.DeviceID
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.stopped {
		return
	}

	select {
	case l.events <- event:
	default:
		l.dropped.Add(1)
		l.logger.Warn("Audit queue full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("connection_id", event.ConnectionID),
		)
	}
}

// SessionUp records an established session.
func (l *Logger) SessionUp(ev pppoe.SessionEvent) {
	l.LogEvent(fromSession(EventSessionUp, ev))
}

// SessionDown records a terminated session.
func (l *Logger) SessionDown(ev pppoe.SessionEvent) {
	e := fromSession(EventSessionDown, ev)
	e.TermCause = ev.Cause.String()
	e.Duration = ev.Duration
	l.LogEvent(e)
}

func fromSession(t EventType, ev pppoe.SessionEvent) *Event {
	e := &Event{
		Type:         t,
		Interface:    ev.Interface,
		MAC:          append([]byte(nil), ev.PeerMAC...),
		SessionID:    ev.SessionID,
		ConnectionID: ev.ConnectionID,
		ServiceName:  ev.ServiceName,
	}
	if ev.TR101 != nil {
		e.CircuitID = ev.TR101.CircuitID
		e.RemoteID = ev.TR101.RemoteID
	}
	return e
}

// run owns the pending batch until the events channel is closed.
func (l *Logger) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	var batch []*Event
	for {
		select {
		case e, ok := <-l.events:
			if !ok {
				l.write(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= l.config.BatchSize {
				l.write(batch)
				batch = nil
			}

		case <-ticker.C:
			l.write(batch)
			batch = nil

		case ack := <-l.flushReq:
			batch = l.drainQueued(batch)
			l.write(batch)
			batch = nil
			close(ack)
		}
	}
}

func (l *Logger) drainQueued(batch []*Event) []*Event {
	for n := len(l.events); n > 0; n-- {
		e, ok := <-l.events
		if !ok {
			break
		}
		batch = append(batch, e)
	}
	return batch
}

// write hands one batch to storage and every exporter.
func (l *Logger) write(events []*Event) {
	if len(events) == 0 {
		return
	}
	ctx := context.Background()

	if l.storage != nil {
		if err := l.storage.StoreBatch(ctx, events); err != nil {
			l.storeErrs.Add(1)
			l.logger.Error("Failed to store audit batch",
				zap.Int("count", len(events)),
				zap.Error(err),
			)
		}
	}

	for _, exp := range l.snapshotExporters() {
		if err := exp.ExportBatch(ctx, events); err != nil {
			l.exportErrs.Add(1)
			l.logger.Warn("Failed to export audit batch",
				zap.String("exporter", exp.Name()),
				zap.Error(err),
			)
			continue
		}
		l.exported.Add(int64(len(events)))
	}

	l.logged.Add(int64(len(events)))
}

func (l *Logger) snapshotExporters() []Exporter {
	l.expMu.Lock()
	defer l.expMu.Unlock()
	return append([]Exporter(nil), l.exporters...)
}

// Flush writes every queued event before returning. It is a no-op unless
// the logger is running.
func (l *Logger) Flush() {
	l.mu.RLock()
	running := l.started && !l.stopped
	l.mu.RUnlock()
	if !running {
		return
	}

	ack := make(chan struct{})
	select {
	case l.flushReq <- ack:
		<-ack
	case <-l.done:
	}
}

// Query searches stored audit events.
func (l *Logger) Query(query *Query) ([]*Event, error) {
	if l.storage == nil {
		return nil, ErrNoStorage
	}
	return l.storage.Query(context.Background(), query)
}

// Stats returns logger statistics.
func (l *Logger) Stats() LoggerStats {
	return LoggerStats{
		EventsLogged:   l.logged.Load(),
		EventsExported: l.exported.Load(),
		EventsDropped:  l.dropped.Load(),
		EventsQueued:   len(l.events),
		StorageErrors:  l.storeErrs.Load(),
		ExportErrors:   l.exportErrs.Load(),
	}
}

// FormatSyslog renders event as a single key=value line.
func FormatSyslog(event *Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] device=%s type=%s",
		event.Timestamp.Format(time.RFC3339), event.DeviceID, event.Type)

	kv := func(key, format string, v any) {
		fmt.Fprintf(&b, " %s="+format, key, v)
	}
	if event.Interface != "" {
		kv("interface", "%s", event.Interface)
	}
	if len(event.MAC) > 0 {
		kv("mac", "%s", event.MAC)
	}
	if event.SessionID != 0 {
		kv("sid", "%d", event.SessionID)
	}
	if event.ConnectionID != "" {
		kv("connection", "%s", event.ConnectionID)
	}
	if event.ServiceName != "" {
		kv("service", "%q", event.ServiceName)
	}
	if event.CircuitID != "" {
		kv("circuit_id", "%q", event.CircuitID)
	}
	if event.RemoteID != "" {
		kv("remote_id", "%q", event.RemoteID)
	}
	if event.TermCause != "" {
		kv("cause", "%s", event.TermCause)
		kv("duration", "%s", event.Duration)
	}
	return b.String()
}
