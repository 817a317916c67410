package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Exporter sends audit events to external systems.
type Exporter interface {
	// Name returns the exporter name.
	Name() string

	// ExportBatch sends events in order.
	ExportBatch(ctx context.Context, events []*Event) error

	// Close releases exporter resources.
	Close() error
}

// JSONExporter writes audit events as JSON Lines.
type JSONExporter struct {
	logger *zap.Logger
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewJSONExporter writes to w. Close does not close w.
func NewJSONExporter(w io.Writer, logger *zap.Logger) *JSONExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONExporter{logger: logger, w: w}
}

// NewJSONFileExporter appends to the file at path, creating it if needed.
func NewJSONFileExporter(path string, logger *zap.Logger) (*JSONExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	e := NewJSONExporter(f, logger)
	e.closer = f
	return e, nil
}

// Name returns the exporter name.
func (e *JSONExporter) Name() string {
	return "json"
}

// ExportBatch writes one JSON record per line.
func (e *JSONExporter) ExportBatch(ctx context.Context, events []*Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	enc := json.NewEncoder(e.w)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("write JSON: %w", err)
		}
	}
	return nil
}

// Close releases the file opened by NewJSONFileExporter.
func (e *JSONExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closer != nil {
		err := e.closer.Close()
		e.closer = nil
		return err
	}
	return nil
}
