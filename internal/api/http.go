package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aridsondez/pqbus/pkg/pqbus"
)

const (
	maxBodyBytes = 1 << 20
	maxWait      = 20 * time.Second
)

// Queue is the part of *pqbus.Queue the server uses.
type Queue interface {
	Push(ctx context.Context, body []byte) (int64, error)
	PopBlocking(ctx context.Context, timeout time.Duration) (*pqbus.Message, error)
	Ack(ctx context.Context, id int64) error
	Release(ctx context.Context, id int64) error
	Stats(ctx context.Context) (*pqbus.Stats, error)
	Close()
}

// Queues resolves queue names to handles. The server takes one handle per
// request and closes it when the request is done.
type Queues interface {
	Queue(name string) (Queue, error)
}

type Server struct {
	queues  Queues
	addr    string
	timeout time.Duration
	log     *slog.Logger
}

func NewServer(addr string, queues Queues, log *slog.Logger) *http.Server {
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{
		queues:  queues,
		addr:    addr,
		timeout: 5 * time.Second,
		log:     log.With("component", "api"),
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/queues/{queue}", func(r chi.Router) {
		// receive: POST /v1/queues/{queue}/receive?wait=ms
		// Long polls, so it sits outside the request timeout.
		r.Post("/receive", srv.handleReceive)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(srv.timeout))

			// stats: GET /v1/queues/{queue}
			r.Get("/", srv.handleStats)

			// push: POST /v1/queues/{queue}/messages
			r.Post("/messages", srv.handlePush)

			// ack: POST /v1/queues/{queue}/messages/{id}/ack
			r.Post("/messages/{id}/ack", srv.handleAck)

			// release: POST /v1/queues/{queue}/messages/{id}/release
			r.Post("/messages/{id}/release", srv.handleRelease)
		})
	})

	return &http.Server{
		Addr:    srv.addr,
		Handler: r,
	}
}

type pushResponse struct {
	ID int64 `json:"id"`
}

type receivedMessage struct {
	ID         int64      `json:"id"`
	Queue      string     `json:"queue"`
	Body       []byte     `json:"body"`
	Deliveries int        `json:"deliveries"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// ---------- Handlers ----------

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	defer q.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httpError(w, http.StatusRequestEntityTooLarge, "read body: %v", err)
		return
	}
	if len(body) == 0 {
		httpError(w, http.StatusBadRequest, "body is required")
		return
	}

	id, err := q.Push(r.Context(), body)
	if err != nil {
		s.storeError(w, "push", err)
		return
	}
	writeJSON(w, http.StatusCreated, &pushResponse{ID: id})
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	defer q.Close()
	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			httpError(w, http.StatusBadRequest, "invalid wait: %q", v)
			return
		}
		wait = min(time.Duration(ms)*time.Millisecond, maxWait)
	}

	m, err := q.PopBlocking(r.Context(), wait)
	if r.Context().Err() != nil {
		// The client went away; a message claimed meanwhile has nowhere to go.
		if m != nil {
			s.giveBack(r.Context(), q, m.ID)
		}
		return
	}
	if err != nil {
		s.storeError(w, "receive", err)
		return
	}
	if m == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, &receivedMessage{
		ID:         m.ID,
		Queue:      m.Queue,
		Body:       m.Body,
		Deliveries: m.Deliveries,
		ClaimedAt:  m.ClaimedAt,
		CreatedAt:  m.CreatedAt,
	})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, "ack", Queue.Ack)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, "release", Queue.Release)
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, op string, fn func(Queue, context.Context, int64) error) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	defer q.Close()
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid id: %v", err)
		return
	}
	if err := fn(q, r.Context(), id); err != nil {
		s.storeError(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, &okResponse{OK: true})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	defer q.Close()
	stats, err := q.Stats(r.Context())
	if err != nil {
		s.storeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---------- helpers ----------

func (s *Server) queue(w http.ResponseWriter, r *http.Request) (Queue, bool) {
	name, err := url.PathUnescape(chi.URLParam(r, "queue"))
	if err != nil || name == "" {
		httpError(w, http.StatusBadRequest, "missing queue path param")
		return nil, false
	}
	q, err := s.queues.Queue(name)
	if err != nil {
		s.storeError(w, "queue", err)
		return nil, false
	}
	return q, true
}

// giveBack releases a message that could not be delivered.
func (s *Server) giveBack(ctx context.Context, q Queue, id int64) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := q.Release(ctx, id); err != nil {
		s.log.Warn("release undelivered message", "id", id, "error", err)
		return
	}
	s.log.Debug("released undelivered message", "id", id)
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, pqbus.ErrInvalidName):
		httpError(w, http.StatusBadRequest, "%v", err)
	case errors.Is(err, pqbus.ErrClosed), pqbus.IsTransient(err):
		httpError(w, http.StatusServiceUnavailable, "%s failed: %v", op, err)
	default:
		s.log.Error("request failed", "op", op, "error", err)
		httpError(w, http.StatusInternalServerError, "%s failed: %v", op, err)
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ---------- bus adapter ----------

// BusQueues serves the queues of a pqbus.Bus.
type BusQueues struct {
	bus *pqbus.Bus
}

func NewBusQueues(bus *pqbus.Bus) *BusQueues {
	return &BusQueues{bus: bus}
}

func (b *BusQueues) Queue(name string) (Queue, error) {
	q, err := b.bus.Queue(name)
	if err != nil {
		return nil, err
	}
	return q, nil
}
