package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SSEWriter frames events in the Server-Sent Events text format:
//
//	event: merge-signals
//	data: {"count":5}
//
//	event: merge-fragments
//	data: fragments <div id="count">5</div>
//
// It flushes after every event when the underlying writer is an http.Flusher.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher
}

var _ EventWriter = (*SSEWriter)(nil)

// NewSSEWriter wraps w.
func NewSSEWriter(w io.Writer) *SSEWriter {
	f, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: f}
}

// WriteUpdate writes a merge-signals event, followed by a merge-fragments
// event when the update carries fragments. An update with fragments and no
// signals writes only the fragments.
func (s *SSEWriter) WriteUpdate(u Update) error {
	if len(u.Signals) > 0 || len(u.Fragments) == 0 {
		signals := u.Signals
		if signals == nil {
			signals = map[string]any{}
		}
		data, err := json.Marshal(signals)
		if err != nil {
			return fmt.Errorf("encode signals: %w", err)
		}
		if err := s.writeEvent(KindMergeSignals, []string{string(data)}); err != nil {
			return err
		}
	}

	if len(u.Fragments) > 0 {
		var lines []string
		for _, fragment := range u.Fragments {
			sc := bufio.NewScanner(strings.NewReader(fragment))
			sc.Buffer(make([]byte, 0, 4096), 1<<20)
			for sc.Scan() {
				lines = append(lines, "fragments "+sc.Text())
			}
			if err := sc.Err(); err != nil {
				return fmt.Errorf("split fragment: %w", err)
			}
		}
		if err := s.writeEvent(KindMergeFragments, lines); err != nil {
			return err
		}
	}
	return nil
}

// WriteHeartbeat writes a heartbeat event carrying the timestamp.
func (s *SSEWriter) WriteHeartbeat(at time.Time) error {
	return s.writeEvent(KindHeartbeat, []string{at.UTC().Format(time.RFC3339Nano)})
}

func (s *SSEWriter) writeEvent(kind string, lines []string) error {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(kind)
	b.WriteByte('\n')
	for _, line := range lines {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Handler returns an http.Handler that opens a connection per request and
// streams to it until the client goes away. connect derives the connection's
// affiliation and subscriptions from the request.
func (r *Registry) Handler(connect func(*http.Request) ConnectOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		c := r.Connect(connect(req))
		if err := r.Serve(req.Context(), c, NewSSEWriter(w)); err != nil {
			r.logger.Debug("stream ended with error",
				slog.String("connection_id", c.ID),
				slog.String("error", err.Error()),
			)
		}
	})
}
