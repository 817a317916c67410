package macfilter

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Mode selects how the list is applied
type Mode uint8

const (
	ModeDisabled Mode = 0 // Every peer passes
	ModeAllow    Mode = 1 // Only listed peers pass
	ModeDeny     Mode = 2 // Listed peers are dropped
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeAllow:
		return "allow"
	case ModeDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// ParseMode parses the textual form used in configuration.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disabled", "none":
		return ModeDisabled, nil
	case "allow":
		return ModeAllow, nil
	case "deny":
		return ModeDeny, nil
	}
	return ModeDisabled, fmt.Errorf("unknown MAC filter mode %q", s)
}

// Filter decides which peers may start PPPoE discovery
type Filter struct {
	logger *zap.Logger

	mu   sync.RWMutex
	mode Mode
	macs map[uint64]struct{}
}

// New creates an empty filter
func New(mode Mode, logger *zap.Logger) *Filter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filter{
		logger: logger,
		mode:   mode,
		macs:   make(map[uint64]struct{}),
	}
}

// SetMode changes the mode without touching the list.
func (f *Filter) SetMode(mode Mode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

// Mode returns the current mode.
func (f *Filter) Mode() Mode {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.mode
}

// Add puts mac on the list.
func (f *Filter) Add(mac net.HardwareAddr) error {
	if len(mac) != 6 {
		return fmt.Errorf("invalid MAC address %q", mac.String())
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := macToUint64(mac)
	if _, ok := f.macs[key]; ok {
		return fmt.Errorf("MAC %s already listed", mac)
	}
	f.macs[key] = struct{}{}
	return nil
}

// Del removes mac from the list.
func (f *Filter) Del(mac net.HardwareAddr) error {
	if len(mac) != 6 {
		return fmt.Errorf("invalid MAC address %q", mac.String())
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	key := macToUint64(mac)
	if _, ok := f.macs[key]; !ok {
		return fmt.Errorf("MAC %s not listed", mac)
	}
	delete(f.macs, key)
	return nil
}

// Check reports whether mac may proceed.
func (f *Filter) Check(mac net.HardwareAddr) bool {
	if len(mac) != 6 {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, listed := f.macs[macToUint64(mac)]
	switch f.mode {
	case ModeAllow:
		return listed
	case ModeDeny:
		return !listed
	default:
		return true
	}
}

// Len returns the number of listed addresses.
func (f *Filter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.macs)
}

// Load replaces the list with the addresses in path, one per line.
// Blank lines and lines starting with # are skipped.
func (f *Filter) Load(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open MAC filter: %w", err)
	}
	defer file.Close()

	macs := make(map[uint64]struct{})
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		mac, err := net.ParseMAC(text)
		if err != nil || len(mac) != 6 {
			return fmt.Errorf("%s:%d: invalid MAC address %q", path, line, text)
		}
		macs[macToUint64(mac)] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read MAC filter: %w", err)
	}

	f.mu.Lock()
	f.macs = macs
	mode := f.mode
	f.mu.Unlock()

	f.logger.Info("Loaded MAC filter",
		zap.String("path", path),
		zap.String("mode", mode.String()),
		zap.Int("entries", len(macs)),
	)
	return nil
}

func macToUint64(mac net.HardwareAddr) uint64 {
	return uint64(mac[0])<<40 |
		uint64(mac[1])<<32 |
		uint64(mac[2])<<24 |
		uint64(mac[3])<<16 |
		uint64(mac[4])<<8 |
		uint64(mac[5])
}
