package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// streamChunkWriteTimeout is the per-chunk write deadline. Active streams
// stay alive indefinitely; a client that stops reading for this long is cut.
const streamChunkWriteTimeout = 60 * time.Second

var streamBufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 8192)
		return &buf
	},
}

// streamOutcome is the terminal state of one streaming delivery.
type streamOutcome int

const (
	streamCompleted streamOutcome = iota
	streamClientGone
	streamUpstreamErr
	streamFailedBeforeData
)

// copyStreamHeaders prepares the client response headers for SSE delivery.
// Upstream content-type, cache directives, and request id are preserved;
// missing SSE headers get the standard values.
func copyStreamHeaders(w http.ResponseWriter, resp *http.Response) {
	h := w.Header()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/event-stream"
	}
	h.Set("Content-Type", contentType)

	cacheControl := resp.Header.Get("Cache-Control")
	if cacheControl == "" {
		cacheControl = "no-cache"
	}
	h.Set("Cache-Control", cacheControl)

	if id := resp.Header.Get("X-Request-Id"); id != "" {
		h.Set("X-Request-Id", id)
	}

	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// pumpStream pipes upstream bytes to the client in arrival order. Headers
// are flushed only once the first upstream byte exists, so an upstream that
// dies before sending anything still gets a proper JSON error response.
func (e *Engine) pumpStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, log *slog.Logger) streamOutcome {
	defer func() { _ = resp.Body.Close() }()

	controller := http.NewResponseController(w)
	headersSent := false

	buf := streamBufPool.Get().(*[]byte)
	defer streamBufPool.Put(buf)

	for {
		if ctx.Err() != nil {
			log.Debug("client disconnected during streaming")
			return streamClientGone
		}

		n, readErr := resp.Body.Read(*buf)
		if n > 0 {
			if !headersSent {
				copyStreamHeaders(w, resp)
				w.WriteHeader(resp.StatusCode)
				headersSent = true
			}

			_ = controller.SetWriteDeadline(time.Now().Add(streamChunkWriteTimeout))
			written, writeErr := w.Write((*buf)[:n])
			e.metrics.RecordStreamBytes(written)
			if writeErr != nil {
				if isClientDisconnectError(writeErr) {
					log.Debug("client disconnected during streaming", "error", writeErr)
					return streamClientGone
				}
				log.Error("failed to write streaming chunk", "error", writeErr)
				return streamClientGone
			}
			e.flushStream(controller, log)
		}

		if readErr != nil {
			if readErr == io.EOF {
				return streamCompleted
			}
			if ctx.Err() != nil {
				return streamClientGone
			}
			log.Warn("upstream stream ended with error", "error", readErr)
			if !headersSent {
				return streamFailedBeforeData
			}
			// Headers already sent: nothing left but to close the client
			// stream mid-flight.
			return streamUpstreamErr
		}
	}
}

func (e *Engine) flushStream(controller *http.ResponseController, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("flusher panic", "panic", r)
		}
	}()
	if err := controller.Flush(); err != nil {
		log.Debug("stream flush failed", "error", err)
	}
}
