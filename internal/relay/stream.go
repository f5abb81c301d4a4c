package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/slot181/transit-filter-api/internal/apierror"
)

const watchdogInterval = 10 * time.Second

var doneFrame = []byte("data: [DONE]\n\n")

// Relay tunnels SSE bytes from the primary provider to the client without
// reordering or coalescing. An inactivity watchdog is the only time bound.
//
// Termination policy: if the upstream stream ends without a terminal
// "data: [DONE]" frame, the relay appends one, so clients always observe
// exactly one DONE frame.
type Relay struct {
	streamTimeout time.Duration
	tickInterval  time.Duration
	logger        *logrus.Logger
}

// NewRelay creates a relay with the configured inactivity timeout
func NewRelay(streamTimeout time.Duration, logger *logrus.Logger) *Relay {
	return &Relay{
		streamTimeout: streamTimeout,
		tickInterval:  watchdogInterval,
		logger:        logger,
	}
}

// SetSSEHeaders prepares the response for server-sent events. Moderation
// metadata headers must already be set: nothing can be added after the first
// byte is written.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// WriteSSEError emits a complete error-only SSE response: headers, one
// in-band error frame, and the terminal DONE frame.
func WriteSSEError(w http.ResponseWriter, e *apierror.E) {
	SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	w.Write(e.SSEFrame())
	w.Write(doneFrame)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Run pumps upstream bytes to the client until the upstream ends, errors, or
// goes quiet past the inactivity timeout. The caller has already written the
// moderation metadata headers; Run owns the response from the SSE headers on.
func (r *Relay) Run(ctx context.Context, w http.ResponseWriter, upstream io.ReadCloser) {
	SetSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	var lastByteAt atomic.Int64
	lastByteAt.Store(time.Now().UnixNano())
	var timedOut atomic.Bool

	// The watchdog closes the upstream body to break the read loop; the loop
	// is responsible for the in-band error framing.
	watchdogDone := make(chan struct{})
	stopWatchdog := make(chan struct{})
	go func() {
		defer close(watchdogDone)
		ticker := time.NewTicker(r.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				idle := time.Since(time.Unix(0, lastByteAt.Load()))
				if idle > r.streamTimeout {
					timedOut.Store(true)
					upstream.Close()
					return
				}
			case <-ctx.Done():
				upstream.Close()
				return
			case <-stopWatchdog:
				return
			}
		}
	}()
	defer func() {
		close(stopWatchdog)
		<-watchdogDone
		upstream.Close()
	}()

	// tail keeps enough trailing bytes to recognize a terminal DONE frame
	// across chunk boundaries.
	const tailMax = 32
	var tail []byte
	buf := make([]byte, 4096)
	relayed := 0

	for {
		n, err := upstream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				r.logger.WithError(werr).Debug("Client write failed, aborting stream")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			lastByteAt.Store(time.Now().UnixNano())
			relayed += n

			tail = append(tail, buf[:n]...)
			if len(tail) > tailMax {
				tail = append(tail[:0], tail[len(tail)-tailMax:]...)
			}
		}

		if err == nil {
			continue
		}

		switch {
		case timedOut.Load():
			r.logger.WithField("relayed_bytes", relayed).Warn("Stream inactivity timeout")
			w.Write(apierror.NewStreamTimeout().SSEFrame())
			w.Write(doneFrame)
		case err == io.EOF:
			if !bytes.HasSuffix(bytes.TrimRight(tail, "\n"), bytes.TrimRight(doneFrame, "\n")) {
				w.Write(doneFrame)
			}
			r.logger.WithField("relayed_bytes", relayed).Debug("Stream completed")
		case ctx.Err() != nil:
			// Client went away; nothing left to write.
			r.logger.Debug("Client disconnected mid-stream")
			return
		default:
			r.logger.WithError(err).Warn("Upstream stream error")
			w.Write(apierror.From(err).SSEFrame())
			w.Write(doneFrame)
		}

		if flusher != nil {
			flusher.Flush()
		}
		return
	}
}
