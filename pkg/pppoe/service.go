package pppoe

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// MaxServiceNames bounds the configured service-name set.
const MaxServiceNames = 8

var (
	ErrServiceNameExists   = errors.New("service name already configured")
	ErrServiceNameNotFound = errors.New("service name not configured")
	ErrTooManyServiceNames = errors.New("too many service names")
)

// MatchResult is the outcome of matching a requested service name.
type MatchResult int

const (
	MatchAccept MatchResult = iota
	MatchRejectNoMatch
	MatchRejectEmptyRequired
)

func (r MatchResult) String() string {
	switch r {
	case MatchAccept:
		return "Accept"
	case MatchRejectNoMatch:
		return "RejectNoMatch"
	case MatchRejectEmptyRequired:
		return "RejectEmptyRequired"
	default:
		return "Unknown"
	}
}

// ServiceNames is the ordered, bounded set of service names a server offers.
// It may be edited at runtime while the server is matching against it.
type ServiceNames struct {
	mu    sync.RWMutex
	names []string
}

// NewServiceNames builds a set from names, rejecting duplicates and overflow.
func NewServiceNames(names ...string) (*ServiceNames, error) {
	s := &ServiceNames{}
	for _, n := range names {
		if err := s.Add(n); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends a service name.
func (s *ServiceNames) Add(name string) error {
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.names {
		if n == name {
			return fmt.Errorf("%w: %q", ErrServiceNameExists, name)
		}
	}
	if len(s.names) >= MaxServiceNames {
		return fmt.Errorf("%w: limit is %d", ErrTooManyServiceNames, MaxServiceNames)
	}
	s.names = append(s.names, name)
	return nil
}

// Del removes a service name, keeping the order of the rest.
func (s *ServiceNames) Del(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, n := range s.names {
		if n == name {
			s.names = append(s.names[:i], s.names[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrServiceNameNotFound, name)
}

// List returns a copy of the configured names.
func (s *ServiceNames) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of configured names.
func (s *ServiceNames) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.names)
}

// MatchServiceName matches the Service-Name tag of a PADI or PADR against
// the configured set and returns the name to offer on acceptance.
//
// An absent or empty tag is rejected when required is set. With no names
// configured any request is accepted. In exact mode the request must equal
// a configured name; otherwise a case-insensitive match or a request that
// starts with a configured name is enough.
func MatchServiceName(requested *Tag, configured []string, required, exact bool) (MatchResult, string) {
	var name string
	if requested != nil {
		name = string(requested.Value)
	}

	if name == "" && required {
		return MatchRejectEmptyRequired, ""
	}
	if len(configured) == 0 {
		return MatchAccept, name
	}
	if name == "" {
		return MatchAccept, configured[0]
	}

	for _, c := range configured {
		if c == name {
			return MatchAccept, c
		}
	}
	if exact {
		return MatchRejectNoMatch, ""
	}
	for _, c := range configured {
		if strings.EqualFold(c, name) || strings.HasPrefix(name, c) {
			return MatchAccept, c
		}
	}
	return MatchRejectNoMatch, ""
}

// offeredServiceNames returns the Service-Name values placed in a PADO.
func offeredServiceNames(matched string, configured []string, exact bool) []string {
	if exact || len(configured) == 0 {
		return []string{matched}
	}
	return configured
}
