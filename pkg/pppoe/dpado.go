package pppoe

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidPADODelay is returned for a malformed delay-tier expression.
var ErrInvalidPADODelay = errors.New("invalid PADO delay expression")

// delayTier applies from count active connections upwards.
type delayTier struct {
	count    int
	delay    time.Duration
	suppress bool // -1: do not send PADO at all
}

// PADODelay maps the number of active connections to the delay applied
// before a PADO is sent.
//
// The expression is "delay[,delay:count]..." with delays in milliseconds.
// The leading delay applies from zero connections, each delay:count pair
// from count connections upwards. A delay of -1 suppresses PADO entirely.
// Example: "0,100:50,500:200".
//
// PADODelay is not safe for concurrent use; the server guards it.
type PADODelay struct {
	tiers []delayTier
	cur   int
}

// ParsePADODelay parses a delay-tier expression. An empty expression
// yields a controller that never delays.
func ParsePADODelay(expr string) (*PADODelay, error) {
	d := &PADODelay{}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		d.tiers = []delayTier{{}}
		return d, nil
	}

	for i, field := range strings.Split(expr, ",") {
		field = strings.TrimSpace(field)
		var tier delayTier

		delayStr, countStr, hasCount := strings.Cut(field, ":")
		if i == 0 && hasCount {
			return nil, fmt.Errorf("%w: first entry %q must be a bare delay", ErrInvalidPADODelay, field)
		}
		if i > 0 && !hasCount {
			return nil, fmt.Errorf("%w: entry %q needs delay:count", ErrInvalidPADODelay, field)
		}

		ms, err := strconv.Atoi(strings.TrimSpace(delayStr))
		if err != nil || ms < -1 {
			return nil, fmt.Errorf("%w: bad delay %q", ErrInvalidPADODelay, delayStr)
		}
		if ms == -1 {
			tier.suppress = true
		} else {
			tier.delay = time.Duration(ms) * time.Millisecond
		}

		if hasCount {
			n, err := strconv.Atoi(strings.TrimSpace(countStr))
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad count %q", ErrInvalidPADODelay, countStr)
			}
			tier.count = n
		}

		if len(d.tiers) > 0 {
			prev := d.tiers[len(d.tiers)-1]
			if tier.count <= prev.count {
				return nil, fmt.Errorf("%w: count %d not above %d", ErrInvalidPADODelay, tier.count, prev.count)
			}
			if prev.suppress && !tier.suppress {
				return nil, fmt.Errorf("%w: delay after -1", ErrInvalidPADODelay)
			}
			if !tier.suppress && tier.delay < prev.delay {
				return nil, fmt.Errorf("%w: delay %v below %v", ErrInvalidPADODelay, tier.delay, prev.delay)
			}
		}
		d.tiers = append(d.tiers, tier)
	}

	return d, nil
}

// tierFor returns the index of the tier applying to connCount.
func (d *PADODelay) tierFor(connCount int) int {
	idx := 0
	for i, t := range d.tiers {
		if connCount >= t.count {
			idx = i
		}
	}
	return idx
}

// Delay returns the delay for connCount. The boolean is false when no
// PADO should be sent at all.
func (d *PADODelay) Delay(connCount int) (time.Duration, bool) {
	t := d.tiers[d.tierFor(connCount)]
	return t.delay, !t.suppress
}

// CheckNext moves the current tier up after the connection count grew.
func (d *PADODelay) CheckNext(connCount int) {
	for d.cur+1 < len(d.tiers) && connCount >= d.tiers[d.cur+1].count {
		d.cur++
	}
}

// CheckPrev moves the current tier down after the connection count shrank.
func (d *PADODelay) CheckPrev(connCount int) {
	for d.cur > 0 && connCount < d.tiers[d.cur].count {
		d.cur--
	}
}

// Current returns the delay of the current tier.
func (d *PADODelay) Current() (time.Duration, bool) {
	t := d.tiers[d.cur]
	return t.delay, !t.suppress
}

// String renders the expression back in its parsed form.
func (d *PADODelay) String() string {
	parts := make([]string, 0, len(d.tiers))
	for i, t := range d.tiers {
		ms := strconv.FormatInt(t.delay.Milliseconds(), 10)
		if t.suppress {
			ms = "-1"
		}
		if i == 0 {
			parts = append(parts, ms)
			continue
		}
		parts = append(parts, ms+":"+strconv.Itoa(t.count))
	}
	return strings.Join(parts, ",")
}
