package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"postflow/internal/connectivity"
	"postflow/internal/coordinator"
	"postflow/internal/domain"
	"postflow/internal/failure"
	"postflow/internal/queue"
	"postflow/internal/secrets"
	"postflow/internal/store"
)

type Server struct {
	r *chi.Mux
	c *coordinator.Coordinator
}

func NewServer(c *coordinator.Coordinator) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, c: c}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/posts", s.submitPost)
		r.Get("/posts/{id}", s.getPost)

		r.Get("/queue", s.listQueue)
		r.Delete("/queue", s.clearQueue)
		r.Delete("/queue/{id}", s.removePost)

		r.Post("/drain", s.drain)
		r.Post("/drain/force", s.forceDrain)
		r.Get("/status", s.status)

		r.Get("/archive", s.listArchive)
		r.Post("/archive/{id}/restore", s.restore)

		r.Post("/credential/refresh", s.refreshCredential)
		r.Post("/credential/authenticated", s.authenticated)

		r.Post("/connectivity", s.setConnectivity)
		r.Post("/lifecycle", s.lifecycle)

		r.Get("/events", s.events)
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.c.StatusSnapshot()
	online := 0
	if st.Connectivity != connectivity.StatusDisconnected {
		online = 1
	}
	reauth := 0
	if st.Credential.State.ReauthRequired {
		reauth = 1
	}

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "postflow_up 1\n")
	fmt.Fprintf(w, "postflow_queue_depth %d\n", st.Queue.Depth)
	fmt.Fprintf(w, "postflow_sends_in_flight %d\n", st.InFlight)
	fmt.Fprintf(w, "postflow_online %d\n", online)
	fmt.Fprintf(w, "postflow_reauth_required %d\n", reauth)
	fmt.Fprintf(w, "postflow_credential_refresh_attempts %d\n", st.Credential.State.RefreshAttemptCount)
}

type operationView struct {
	ID             string        `json:"id"`
	Payload        string        `json:"payload"`
	Priority       int           `json:"priority"`
	Attempts       int           `json:"attempts"`
	LastError      string        `json:"last_error,omitempty"`
	LastErrorClass failure.Class `json:"last_error_class,omitempty"`
	NextEligibleAt string        `json:"next_eligible_at"`
	Suspended      bool          `json:"suspended,omitempty"`
	CreatedAt      string        `json:"created_at"`
}

func viewOf(op domain.QueuedOperation) operationView {
	return operationView{
		ID:             op.ID,
		Payload:        op.Payload,
		Priority:       int(op.Priority),
		Attempts:       op.AttemptCount,
		LastError:      op.LastError,
		LastErrorClass: op.LastErrorClass,
		NextEligibleAt: op.NextEligibleAt.Format(time.RFC3339),
		Suspended:      op.Suspended,
		CreatedAt:      op.CreatedAt.Format(time.RFC3339),
	}
}

type submitReq struct {
	Text     string `json:"text"`
	Priority int    `json:"priority"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitPost(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	priority := domain.Priority(req.Priority)
	if priority == 0 {
		priority = domain.PriorityNormal
	}

	op, err := s.c.Submit(r.Context(), req.Text, priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: op.ID})
}

func (s *Server) getPost(w http.ResponseWriter, r *http.Request) {
	op, ok := s.c.Queue().Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(op))
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	ops := s.c.Queue().Snapshot()
	out := make([]operationView, 0, len(ops))
	for _, op := range ops {
		out = append(out, viewOf(op))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) removePost(w http.ResponseWriter, r *http.Request) {
	if err := s.c.Queue().Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	n, err := s.c.Queue().Clear(r.Context(), r.URL.Query().Get("confirm") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	res, err := s.c.DrainNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) forceDrain(w http.ResponseWriter, r *http.Request) {
	res, err := s.c.ForceDrainAll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.c.StatusSnapshot())
}

type archivedView struct {
	operationView
	Reason     domain.ArchiveReason `json:"reason"`
	ArchivedAt string               `json:"archived_at"`
}

func (s *Server) listArchive(w http.ResponseWriter, r *http.Request) {
	ops, err := s.c.Queue().Archived(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]archivedView, 0, len(ops))
	for _, op := range ops {
		out = append(out, archivedView{
			operationView: viewOf(op.QueuedOperation),
			Reason:        op.Reason,
			ArchivedAt:    op.ArchivedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request) {
	op, err := s.c.Queue().Restore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.c.DrainSoon()
	writeJSON(w, http.StatusOK, viewOf(op))
}

type refreshReq struct {
	Reason string `json:"reason"`
}

func (s *Server) refreshCredential(w http.ResponseWriter, r *http.Request) {
	var req refreshReq
	// An empty body is fine.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "manual"
	}
	outcome := s.c.RefreshCredential(r.Context(), req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome":    outcome,
		"credential": s.c.StatusSnapshot().Credential,
	})
}

type authenticatedReq struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	// ExpiresIn is in seconds.
	ExpiresIn int64 `json:"expires_in"`
}

func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) {
	var req authenticatedReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		http.Error(w, "access_token and refresh_token are required", http.StatusBadRequest)
		return
	}
	if req.ExpiresIn <= 0 {
		http.Error(w, "expires_in must be positive", http.StatusBadRequest)
		return
	}

	cred := secrets.Credentials{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    req.TokenType,
		ExpiresAt:    time.Now().Add(time.Duration(req.ExpiresIn) * time.Second),
	}
	if err := s.c.Authenticated(r.Context(), cred); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type connectivityReq struct {
	Status  connectivity.Status  `json:"status"`
	Quality connectivity.Quality `json:"quality"`
}

func (s *Server) setConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Status {
	case connectivity.StatusConnected, connectivity.StatusDisconnected, connectivity.StatusUnknown:
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	if req.Quality == "" {
		req.Quality = connectivity.QualityGood
	}
	s.c.SetConnectivityQuality(req.Status, req.Quality)
	w.WriteHeader(http.StatusNoContent)
}

type lifecycleReq struct {
	Signal domain.LifecycleSignal `json:"signal"`
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Signal.Valid() {
		http.Error(w, "unknown signal", http.StatusBadRequest)
		return
	}
	if err := s.c.Lifecycle(r.Context(), req.Signal); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// events streams notifications as server-sent events until the client goes
// away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.c.Events(r.Context())
	defer sub.Close()

	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				log.Error().Err(err).Msg("encode event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
			flusher.Flush()
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrInvalidPayload), errors.Is(err, coordinator.ErrInvalidSignal),
		errors.Is(err, coordinator.ErrInvalidCredentials):
		code = http.StatusBadRequest
	case errors.Is(err, queue.ErrConfirmationRequired):
		code = http.StatusPreconditionRequired
	case errors.Is(err, queue.ErrDuplicate):
		code = http.StatusConflict
	case errors.Is(err, queue.ErrQueueFull):
		code = http.StatusInsufficientStorage
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	}
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
