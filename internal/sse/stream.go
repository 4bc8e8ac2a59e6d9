// Package sse implements the split-path SSE stream processor: a forward
// path that writes upstream bytes to the client with minimal added latency,
// and a background accumulator that folds the same frames into a complete
// audit record without the forward path ever sharing parsed JSON with it.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// IdleTimeout is the maximum gap between SSE events before the upstream is
// considered stalled, per spec.md §4.6.
const IdleTimeout = 60 * time.Second

const doneSentinel = "data: [DONE]"

// ForwardResult summarizes how the forward path ended, enough for the
// dispatcher to classify the outcome.
type ForwardResult struct {
	// BytesForwarded is true once any byte has reached the client; per
	// spec.md §4.6, a stream cannot be failed over after this becomes true.
	BytesForwarded bool
	// IdleTimedOut is true if no event arrived within IdleTimeout.
	IdleTimedOut bool
	// ClientAborted is true if the request context was canceled (client
	// disconnect) before the stream completed naturally.
	ClientAborted bool
	// Err is the upstream body read error, if any, distinct from the
	// idle-timeout and client-abort cases above.
	Err error
}

// Forward reads upstream (an open SSE body) and writes each event to w,
// flushing after every event, optionally injecting a synthetic prefix event
// before the first event carrying non-empty content. It returns once the
// forward path ends — on [DONE], upstream EOF, idle timeout, or context
// cancellation — and a channel that will eventually deliver the
// accumulator's result. Each frame is handed to the accumulator over an
// unbuffered channel, so the forward path reads the next upstream frame only
// once the accumulator has taken the previous one; it does not wait for the
// accumulator's final result: callers should receive from resultCh in a
// separate goroutine so a slow accumulator cannot add latency to the
// response already sent.
func Forward(ctx context.Context, w http.ResponseWriter, upstream io.ReadCloser, specialPrefix string) (ForwardResult, <-chan *Result) {
	flusher, _ := w.(http.Flusher)
	events := make(chan []byte) // unbuffered: each send waits until the accumulator takes the frame
	resultCh := make(chan *Result, 1)

	go runAccumulator(events, resultCh)

	result := ForwardResult{}
	prefixPending := specialPrefix != ""

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitSSEFrames)

	frames := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for scanner.Scan() {
			buf := make([]byte, len(scanner.Bytes()))
			copy(buf, scanner.Bytes())
			frames <- buf
		}
		scanErr <- scanner.Err()
	}()

	idle := time.NewTimer(IdleTimeout)
	defer idle.Stop()

readLoop:
	for {
		select {
		case <-ctx.Done():
			result.ClientAborted = true
			upstream.Close()
			break readLoop

		case <-idle.C:
			result.IdleTimedOut = true
			upstream.Close()
			break readLoop

		case frame, ok := <-frames:
			if !ok {
				result.Err = <-scanErr
				break readLoop
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(IdleTimeout)

			if prefixPending && frameHasContent(frame) {
				prefixPending = false
				synthetic := encodePrefixEvent(specialPrefix)
				writeEvent(w, flusher, synthetic)
				result.BytesForwarded = true
				events <- synthetic
			}

			writeEvent(w, flusher, frame)
			result.BytesForwarded = true
			events <- frame

			if bytes.HasPrefix(bytes.TrimSpace(frame), []byte(doneSentinel)) {
				break readLoop
			}
		}
	}

	close(events)
	return result, resultCh
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, frame []byte) {
	w.Write(frame)
	w.Write([]byte("\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}

func frameHasContent(frame []byte) bool {
	var ev chunkEvent
	data := bytes.TrimPrefix(bytes.TrimSpace(frame), []byte("data:"))
	data = bytes.TrimSpace(data)
	if bytes.HasPrefix(data, []byte("[DONE]")) {
		return false
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return false
	}
	if len(ev.Choices) == 0 {
		return false
	}
	c := ev.Choices[0].Delta.Content
	return c != nil && *c != ""
}

func encodePrefixEvent(prefix string) []byte {
	escaped := bytes.ReplaceAll([]byte(prefix), []byte(`"`), []byte(`\"`))
	return []byte(`data: {"choices":[{"delta":{"content":"` + string(escaped) + `"}}]}`)
}

// runAccumulator owns Result exclusively; the forward path holds no
// reference to it, per spec.md §3's ownership rule. The prefix reaches
// Content solely through the synthetic event Forward injects onto events —
// seeding it here too would duplicate it.
func runAccumulator(events <-chan []byte, resultCh chan<- *Result) {
	r := newResult()

	for frame := range events {
		trimmed := bytes.TrimSpace(frame)
		if bytes.HasPrefix(trimmed, []byte(doneSentinel)) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(trimmed, []byte("data:")))
		if len(data) == 0 {
			continue
		}
		r.fold(data)
	}

	resultCh <- r
	close(resultCh)
}

// splitSSEFrames is a bufio.SplitFunc that delimits SSE events on a blank
// line ("\n\n"), matching the wire format's event terminator.
func splitSSEFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
