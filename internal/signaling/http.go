package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"video-transformer/internal/events"
	"video-transformer/internal/pipeline"
)

const (
	maxOfferBytes = 1 << 20
	offerTimeout  = 15 * time.Second
)

type Middleware = func(http.Handler) http.Handler

type HttpRepository struct {
	Service   *Service
	Hub       *events.Hub
	StaticDir string
	Logger    *slog.Logger

	// Metrics instruments every route when set.
	Metrics Middleware
	// OfferGuards run in front of POST /offer, e.g. authentication.
	OfferGuards []Middleware
}

// SetupHandler builds the router with the common middleware stack and every
// route registered.
func (repository *HttpRepository) SetupHandler(r chi.Router) (http.Handler, error) {
	if repository.Logger == nil {
		repository.Logger = slog.Default()
	}
	index := filepath.Join(repository.StaticDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		return nil, fmt.Errorf("signaling: static client: %w", err)
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(repository.Logger))
	r.Use(middleware.Recoverer)
	if repository.Metrics != nil {
		r.Use(repository.Metrics)
	}

	repository.RegisterRoutes(r)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r, nil
}

func (repository *HttpRepository) RegisterRoutes(r chi.Router) {
	r.Get("/", repository.static("index.html"))
	r.Get("/client.js", repository.static("client.js"))
	r.Get("/modes", repository.modes)
	r.With(repository.OfferGuards...).Post("/offer", repository.offer)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", repository.sessionList)
		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", repository.closeSession)
			r.Get("/snapshot", repository.snapshot)
			r.Post("/snapshot", repository.storeSnapshot)
			r.Get("/events", repository.events)
		})
	})
}

func (repository *HttpRepository) static(name string) http.HandlerFunc {
	path := filepath.Join(repository.StaticDir, name)
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, path)
	}
}

func (repository *HttpRepository) modes(w http.ResponseWriter, r *http.Request) {
	var resp ModesResponse
	for _, m := range repository.Service.Modes() {
		resp.Modes = append(resp.Modes, string(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (repository *HttpRepository) offer(w http.ResponseWriter, r *http.Request) {
	var req OfferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOfferBytes)).Decode(&req); err != nil {
		repository.writeError(w, r, fmt.Errorf("%w: %v", ErrBadOffer, err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), offerTimeout)
	defer cancel()

	resp, err := repository.Service.Offer(ctx, req)
	if err != nil {
		repository.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (repository *HttpRepository) sessionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, repository.Service.Sessions())
}

func (repository *HttpRepository) closeSession(w http.ResponseWriter, r *http.Request) {
	if err := repository.Service.CloseSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		repository.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (repository *HttpRepository) snapshot(w http.ResponseWriter, r *http.Request) {
	data, f, err := repository.Service.SnapshotJPEG(chi.URLParam(r, "id"))
	if err != nil {
		repository.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Frame-PTS", strconv.FormatInt(f.PTS(), 10))
	w.Write(data)
}

func (repository *HttpRepository) storeSnapshot(w http.ResponseWriter, r *http.Request) {
	resp, err := repository.Service.StoreSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		repository.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (repository *HttpRepository) events(w http.ResponseWriter, r *http.Request) {
	if repository.Hub == nil {
		http.NotFound(w, r)
		return
	}
	sess, err := repository.Service.Session(chi.URLParam(r, "id"))
	if err != nil {
		repository.writeError(w, r, err)
		return
	}

	initial := events.Message{
		Event:     events.EventState,
		SessionID: sess.ID(),
		State:     sess.State().String(),
		Time:      time.Now().UTC(),
	}
	repository.Hub.Serve(w, r, sess.ID(), initial, sess.Done())
}

func statusFor(err error) int {
	switch {
	case pipeline.IsConfigError(err), errors.Is(err, ErrBadOffer), errors.Is(err, ErrNoDialer):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoFrame):
		return http.StatusNotFound
	case errors.Is(err, ErrNoStore):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (repository *HttpRepository) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		repository.Logger.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
