package relay

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slot181/transit-filter-api/internal/apierror"
)

func newTestRelay(streamTimeout, tick time.Duration) *Relay {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	r := NewRelay(streamTimeout, logger)
	r.tickInterval = tick
	return r
}

func TestRun_PassesBytesThroughInOrder(t *testing.T) {
	relay := newTestRelay(time.Second, 10*time.Millisecond)

	upstream := io.NopCloser(strings.NewReader("data: {\"a\":1}\n\ndata: {\"b\":2}\n\n"))
	w := httptest.NewRecorder()

	relay.Run(context.Background(), w, upstream)

	body := w.Body.String()
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	// Bytes arrive unchanged and in order, with the terminal frame appended.
	assert.True(t, strings.HasPrefix(body, "data: {\"a\":1}\n\ndata: {\"b\":2}\n\n"))
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Equal(t, 1, strings.Count(body, "[DONE]"))
}

func TestRun_DoesNotDuplicateDone(t *testing.T) {
	relay := newTestRelay(time.Second, 10*time.Millisecond)

	upstream := io.NopCloser(strings.NewReader("data: {\"a\":1}\n\ndata: [DONE]\n\n"))
	w := httptest.NewRecorder()

	relay.Run(context.Background(), w, upstream)

	assert.Equal(t, 1, strings.Count(w.Body.String(), "[DONE]"))
}

func TestRun_InactivityTimeout(t *testing.T) {
	relay := newTestRelay(30*time.Millisecond, 10*time.Millisecond)

	pr, pw := io.Pipe()
	defer pw.Close()

	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		relay.Run(context.Background(), w, pr)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not terminate on inactivity")
	}

	body := w.Body.String()
	assert.Contains(t, body, `"code":"stream_timeout"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestRun_TimeoutAfterPartialData(t *testing.T) {
	relay := newTestRelay(50*time.Millisecond, 10*time.Millisecond)

	pr, pw := io.Pipe()
	defer pw.Close()

	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		relay.Run(context.Background(), w, pr)
		close(done)
	}()

	_, err := pw.Write([]byte("data: {\"partial\":true}\n\n"))
	require.NoError(t, err)

	// Then go quiet until the watchdog fires.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not terminate on inactivity")
	}

	body := w.Body.String()
	assert.Contains(t, body, "data: {\"partial\":true}\n\n")
	assert.Contains(t, body, `"code":"stream_timeout"`)
}

func TestRun_UpstreamErrorFramedInBand(t *testing.T) {
	relay := newTestRelay(time.Second, 10*time.Millisecond)

	pr, pw := io.Pipe()

	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		relay.Run(context.Background(), w, pr)
		close(done)
	}()

	pw.Write([]byte("data: {\"a\":1}\n\n"))
	pw.CloseWithError(errors.New("connection reset"))

	<-done

	body := w.Body.String()
	assert.Contains(t, body, "data: {\"a\":1}\n\n")
	assert.Contains(t, body, "connection reset")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestRun_ClientDisconnectStopsQuietly(t *testing.T) {
	relay := newTestRelay(time.Minute, 10*time.Millisecond)

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())

	w := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		relay.Run(ctx, w, pr)
		close(done)
	}()

	pw.Write([]byte("data: {\"a\":1}\n\n"))
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop after client disconnect")
	}

	// No synthetic frames are written to a client that is gone.
	assert.NotContains(t, w.Body.String(), "[DONE]")
}

func TestWriteSSEError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSSEError(w, apierror.NewViolation(5, "mod_1_abcdefgh", false))

	body := w.Body.String()
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, body, `"code":"content_violation"`)
	assert.Contains(t, body, `"riskLevel":5`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}
