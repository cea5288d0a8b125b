package meta

import (
	"runtime"
	"strconv"
	"strings"
)

const maxTraceDepth = 32

// CaptureTrace renders the caller's stack as text, skipping skip frames above
// the caller of CaptureTrace. Runtime frames and frames whose function name
// starts with one of omit are dropped.
func CaptureTrace(skip int, omit ...string) string {
	pcs := make([]uintptr, maxTraceDepth)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		if keepFrame(frame.Function, omit) {
			b.WriteString(frame.Function)
			b.WriteString("\n\t")
			b.WriteString(frame.File)
			b.WriteByte(':')
			b.WriteString(strconv.Itoa(frame.Line))
			b.WriteByte('\n')
		}
		if !more {
			break
		}
	}
	return b.String()
}

func keepFrame(fn string, omit []string) bool {
	if strings.HasPrefix(fn, "runtime.") {
		return false
	}
	for _, prefix := range omit {
		if strings.HasPrefix(fn, prefix) {
			return false
		}
	}
	return true
}
