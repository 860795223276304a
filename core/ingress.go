package core

// ingress.go – the HTTP inbound path. User submissions enter the same
// pending queue as gossip, with origin=http so the pipeline re-announces
// them once accepted. Validation failures answer 4xx; backpressure answers
// 503 so clients retry elsewhere.

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Ingress is the HTTP submission endpoint.
type Ingress struct {
	processor *Processor
	logger    *log.Logger
	server    *http.Server
}

// NewIngress builds the router and server on addr.
func NewIngress(addr string, processor *Processor, lg *log.Logger) *Ingress {
	ing := &Ingress{processor: processor, logger: lg}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/api/v0/messages", ing.handleSubmit)
	r.Get("/api/v0/health", ing.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	ing.server = &http.Server{Addr: addr, Handler: r}
	return ing
}

// ListenAndServe blocks serving requests.
func (ing *Ingress) ListenAndServe() error {
	ing.logger.Infof("ingress: listening on %s", ing.server.Addr)
	err := ing.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (ing *Ingress) Shutdown(ctx context.Context) error {
	return ing.server.Shutdown(ctx)
}

func (ing *Ingress) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var env MessageEnvelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxInlineContentLength*2)).Decode(&env); err != nil {
		httpError(w, http.StatusBadRequest, "undecodable envelope")
		return
	}
	err := ing.processor.Ingest(r.Context(), &env, OriginHTTP)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "queued", "item_hash": env.ItemHash})
	case errors.Is(err, ErrQueueFull):
		httpError(w, http.StatusServiceUnavailable, "node overloaded, retry later")
	case errors.Is(err, ErrBadEnvelope), errors.Is(err, ErrOversized), errors.Is(err, ErrUnknownChain):
		httpError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		ing.logger.Warnf("ingress: submit %s: %v", env.ItemHash, err)
		httpError(w, http.StatusInternalServerError, "submission failed")
	}
}

func (ing *Ingress) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := ing.processor.store.Ping(r.Context()); err != nil {
		httpError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func httpError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
