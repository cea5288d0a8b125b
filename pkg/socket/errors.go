package socket

import (
	"errors"

	"GoSniffy/pkg/meta"
)

// ErrRefused is matched by every policy refusal.
var ErrRefused = errors.New("connection refused by policy")

// RefusedError reports that the registry closed the target. It is distinct
// from an operating system refusal, which is returned unchanged.
type RefusedError struct {
	Op     string
	Target meta.Target
}

func (e *RefusedError) Error() string {
	return "sniffy: " + e.Op + " " + e.Target.String() + ": " + ErrRefused.Error()
}

func (e *RefusedError) Unwrap() error { return ErrRefused }

// Timeout and Temporary make RefusedError a net.Error.
func (e *RefusedError) Timeout() bool   { return false }
func (e *RefusedError) Temporary() bool { return false }

// IsRefused reports whether err is a policy refusal.
func IsRefused(err error) bool {
	return errors.Is(err, ErrRefused)
}
