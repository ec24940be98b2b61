package runner

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/common/logger"
)

const previewLen = 200

// outputSink is an io.Writer that accumulates one stream (stdout or stderr)
// of a running invocation, tracks the combined byte total shared with its
// sibling stream, and logs a truncated preview of each chunk rather than the
// full buffer. Only the first overflow triggers onOverflow.
type outputSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	stream string

	totalSize  *atomic.Int64
	lastByteAt *atomic.Int64
	observed   *atomic.Bool
	overflowed *atomic.Bool

	maxBytes  int
	log       *logger.Logger
	onOverflow func()
}

func newOutputSink(stream string, totalSize, lastByteAt *atomic.Int64, observed, overflowed *atomic.Bool, maxBytes int, log *logger.Logger, onOverflow func()) *outputSink {
	return &outputSink{
		stream:     stream,
		totalSize:  totalSize,
		lastByteAt: lastByteAt,
		observed:   observed,
		overflowed: overflowed,
		maxBytes:   maxBytes,
		log:        log,
		onOverflow: onOverflow,
	}
}

func (s *outputSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.buf.Write(p)
	s.mu.Unlock()

	s.lastByteAt.Store(time.Now().UnixNano())
	s.observed.Store(true)
	newTotal := s.totalSize.Add(int64(len(p)))

	s.log.Debug("worker output chunk",
		zap.String("stream", s.stream),
		zap.Int("bytes", len(p)),
		zap.String("preview", preview(p)))

	if int(newTotal) > s.maxBytes {
		if !s.overflowed.Swap(true) {
			s.onOverflow()
		}
	}

	return len(p), nil
}

func (s *outputSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// preview returns the first previewLen bytes of a chunk with newlines
// escaped, so logs never carry multi-line worker output verbatim.
func preview(p []byte) string {
	n := len(p)
	if n > previewLen {
		n = previewLen
	}
	s := strings.ReplaceAll(string(p[:n]), "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	if len(p) > previewLen {
		s += "…"
	}
	return s
}
