package producer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyStarted is returned by Start on a running producer.
	ErrAlreadyStarted = errors.New("producer: already started")
	// ErrNotLoaded is returned by media operations before Load.
	ErrNotLoaded = errors.New("producer: media not loaded")
)

// ErrorCategory classifies producer failures for telemetry.
type ErrorCategory int

const (
	ErrCategoryDevice ErrorCategory = iota
	ErrCategoryNetwork
	ErrCategoryCodec
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	default:
		return "unknown"
	}
}

// OpenError is a producer failure to open its source.
type OpenError struct {
	Stream   Stream
	Source   string
	Category ErrorCategory
	Err      error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("producer %s: failed to open %q [%s]: %v", e.Stream, e.Source, e.Category, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	{ErrCategoryDevice, []string{"v4l2", "device", "/dev/", "permission denied", "busy", "no such file"}},
	{ErrCategoryCodec, []string{"codec", "decode", "format", "caps", "negotiat", "invalid data", "not-negotiated"}},
	{ErrCategoryNetwork, []string{"connection", "timeout", "unreachable", "network", "dns", "resolve", "socket", "rtsp", "could not connect"}},
}

// ClassifyError guesses the failure category from the error text (message
// and, for GStreamer, the debug string).
func ClassifyError(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)
	for _, c := range categoryKeywords {
		for _, kw := range c.keywords {
			if strings.Contains(combined, kw) {
				return c.category
			}
		}
	}
	return ErrCategoryUnknown
}
