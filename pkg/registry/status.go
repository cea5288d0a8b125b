package registry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Status is the fault-injection policy for a target, in milliseconds:
// zero is open, -1 is closed, below -1 is closed after |n| ms per cycle, and
// positive values delay every cycle by n ms.
type Status int64

const (
	Open   Status = 0
	Closed Status = -1
)

// Delay builds a status that sleeps d per cycle. Sub-millisecond values are open.
func Delay(d time.Duration) Status {
	ms := d.Milliseconds()
	if ms <= 0 {
		return Open
	}
	return Status(ms)
}

// ClosedAfter builds a closed status that still charges d per cycle before
// refusing. Values of one millisecond or less are plain Closed.
func ClosedAfter(d time.Duration) Status {
	ms := d.Milliseconds()
	if ms <= 1 {
		return Closed
	}
	return Status(-ms)
}

func (s Status) IsOpen() bool   { return s == 0 }
func (s Status) IsClosed() bool { return s < 0 }

// PerCycle is the delay charged for one cycle under this status.
func (s Status) PerCycle() time.Duration {
	switch {
	case s > 0:
		return time.Duration(s) * time.Millisecond
	case s < Closed:
		return time.Duration(-s) * time.Millisecond
	default:
		return 0
	}
}

func (s Status) String() string {
	switch {
	case s == Open:
		return "OPEN"
	case s == Closed:
		return "CLOSED"
	case s < Closed:
		return "CLOSED(" + strconv.FormatInt(int64(-s), 10) + ")"
	default:
		return "DELAY(" + strconv.FormatInt(int64(s), 10) + ")"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStatus accepts OPEN, CLOSED, CLOSED(ms), DELAY(ms) or the raw integer
// encoding.
func ParseStatus(s string) (Status, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch s {
	case "OPEN":
		return Open, nil
	case "CLOSED":
		return Closed, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Status(n), nil
	}
	name, arg, ok := strings.Cut(s, "(")
	if !ok || !strings.HasSuffix(arg, ")") {
		return Open, fmt.Errorf("invalid connection status: %q", s)
	}
	ms, err := strconv.ParseInt(strings.TrimSuffix(arg, ")"), 10, 64)
	if err != nil || ms < 0 {
		return Open, fmt.Errorf("invalid delay in connection status %q", s)
	}
	switch name {
	case "DELAY":
		return Delay(time.Duration(ms) * time.Millisecond), nil
	case "CLOSED":
		return ClosedAfter(time.Duration(ms) * time.Millisecond), nil
	default:
		return Open, fmt.Errorf("invalid connection status: %q", s)
	}
}
