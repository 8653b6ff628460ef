// SPDX-License-Identifier: Apache-2.0

// Package gateway relays session events to HTTP clients as server-sent
// events and turns client disconnects into session cancellation.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jllopis/forge/pkg/errors"
	"github.com/jllopis/forge/pkg/session"
)

// Source is the part of a session the gateway needs.
type Source interface {
	ID() string
	Subscribe(buffer int) *session.Subscription
	Cancel()
}

// Config tunes streaming.
type Config struct {
	// Buffer bounds how far a client may lag behind live events.
	Buffer int
	// Heartbeat sends an SSE comment at this interval. Zero disables it.
	Heartbeat time.Duration
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{Buffer: 64, Heartbeat: 15 * time.Second}
}

// Gateway writes event streams.
type Gateway struct {
	cfg Config
	log *slog.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithConfig replaces the defaults.
func WithConfig(cfg Config) Option {
	return func(g *Gateway) { g.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.log = l }
}

// New returns a Gateway.
func New(opts ...Option) *Gateway {
	g := &Gateway{cfg: DefaultConfig(), log: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	if g.cfg.Buffer <= 0 {
		g.cfg.Buffer = DefaultConfig().Buffer
	}
	return g
}

// ErrOverflow is returned when the client fell too far behind.
var ErrOverflow = errors.New(errors.CodeBackpressure, "client fell behind the event stream", nil)

// Stream relays src to the client that owns it. Disconnecting or falling
// behind cancels the session.
func (g *Gateway) Stream(w http.ResponseWriter, r *http.Request, src Source) error {
	return g.relay(w, r, src, true)
}

// Follow relays src to an observer. The session keeps running when the
// observer goes away.
func (g *Gateway) Follow(w http.ResponseWriter, r *http.Request, src Source) error {
	return g.relay(w, r, src, false)
}

func (g *Gateway) relay(w http.ResponseWriter, r *http.Request, src Source, owner bool) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream not supported", http.StatusInternalServerError)
		return errors.New(errors.CodeInternal, "response writer cannot flush", nil)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", src.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := src.Subscribe(g.cfg.Buffer)
	defer sub.Close()

	var heartbeat <-chan time.Time
	if g.cfg.Heartbeat > 0 {
		ticker := time.NewTicker(g.cfg.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	log := g.log.With(slog.String("session_id", src.ID()))
	ctx := r.Context()
	disconnect := func() error {
		if owner {
			src.Cancel()
		}
		log.InfoContext(ctx, "gateway.stream.disconnected", slog.Bool("cancelled", owner))
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return disconnect()
		case <-heartbeat:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return disconnect()
			}
			flusher.Flush()
		case e, ok := <-sub.Events():
			if !ok {
				if !sub.Overflowed() {
					return nil
				}
				g.writeOverflow(w, flusher)
				if owner {
					src.Cancel()
				}
				log.WarnContext(ctx, "gateway.stream.overflow", slog.Int("buffer", g.cfg.Buffer))
				return ErrOverflow
			}
			if err := writeEvent(w, e); err != nil {
				return disconnect()
			}
			flusher.Flush()
			if e.Terminal() {
				log.DebugContext(ctx, "gateway.stream.closed", slog.Int64("seq", e.Seq))
				return nil
			}
		}
	}
}

func (g *Gateway) writeOverflow(w http.ResponseWriter, f http.Flusher) {
	payload, _ := json.Marshal(session.Failure{
		Kind:        errors.CodeBackpressure,
		Message:     "client fell behind the event stream",
		Recoverable: false,
	})
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", session.EventError, payload)
	f.Flush()
}

func writeEvent(w http.ResponseWriter, e session.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		payload, _ = json.Marshal(session.Failure{Kind: errors.CodeInternal, Message: err.Error()})
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, payload)
	return err
}
