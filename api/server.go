// Package api exposes the allocator over HTTP/JSON.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"gpu-allocator/allocator"
	"gpu-allocator/models"

	"github.com/rs/zerolog/log"
)

type Server struct {
	alloc *allocator.Allocator
}

func NewServer(a *allocator.Allocator) *Server {
	return &Server{alloc: a}
}

// Register mounts every route on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /requesters", s.createRequester)
	mux.HandleFunc("GET /requesters", s.listRequesters)
	mux.HandleFunc("GET /requesters/{id}", s.getRequester)
	mux.HandleFunc("PUT /requesters/{id}", s.updateRequester)
	mux.HandleFunc("DELETE /requesters/{id}", s.deleteRequester)
	mux.HandleFunc("GET /requesters/{id}/reservations", s.requesterReservations)

	mux.HandleFunc("POST /resources", s.createResource)
	mux.HandleFunc("GET /resources", s.listResources)
	mux.HandleFunc("GET /resources/{id}", s.getResource)
	mux.HandleFunc("PUT /resources/{id}", s.updateResource)
	mux.HandleFunc("DELETE /resources/{id}", s.deleteResource)
	mux.HandleFunc("GET /resources/{id}/status", s.resourceStatus)
	mux.HandleFunc("PUT /resources/{id}/status", s.setResourceStatus)

	mux.HandleFunc("POST /reservations", s.book)
	mux.HandleFunc("GET /reservations", s.listActiveReservations)
	mux.HandleFunc("GET /reservations/cancelled", s.listCancelledReservations)
	mux.HandleFunc("GET /reservations/{id}", s.getReservation)
	mux.HandleFunc("PUT /reservations/{id}", s.updateReservation)
	mux.HandleFunc("POST /reservations/{id}/cancel", s.cancelReservation)

	mux.HandleFunc("POST /usage/start", s.startUsage)
	mux.HandleFunc("GET /usage/active", s.activeUsage)
	mux.HandleFunc("GET /usage/report/{resourceId}", s.usageReport)
	mux.HandleFunc("GET /usage/{id}", s.getUsage)
	mux.HandleFunc("PUT /usage/{id}", s.recordTelemetry)
	mux.HandleFunc("POST /usage/{id}/stop", s.stopUsage)

	mux.HandleFunc("POST /queue/join", s.joinQueue)
	mux.HandleFunc("GET /queue", s.listQueue)
	mux.HandleFunc("GET /queue/next", s.nextInQueue)
	mux.HandleFunc("GET /queue/status", s.queueStatus)
	mux.HandleFunc("GET /queue/{id}/position", s.queuePosition)
	mux.HandleFunc("POST /queue/{id}/cancel", s.cancelQueueEntry)
	mux.HandleFunc("POST /queue/{id}/allocate", s.allocateQueueEntry)
	mux.HandleFunc("POST /queue/{id}/move/{position}", s.moveQueueEntry)
}

// Handler returns a mux with every route, wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return LogRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// LogRequests logs every request at debug level with its status and latency.
func LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", rec.code).Dur("duration", time.Since(start)).Msg("api: request served")
	})
}

// decode reads a JSON body into v. It answers 400 itself and returns false
// when the body is malformed.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "malformed request body: %v", err)
		return false
	}
	return true
}

func (s *Server) createRequester(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if !decode(w, r, &body) {
		return
	}
	req, err := s.alloc.Requesters.Create(r.Context(), body.Username, body.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) listRequesters(w http.ResponseWriter, r *http.Request) {
	all, err := s.alloc.Requesters.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) getRequester(w http.ResponseWriter, r *http.Request) {
	req, err := s.alloc.Requesters.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) updateRequester(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username *string `json:"username"`
		Email    *string `json:"email"`
	}
	if !decode(w, r, &body) {
		return
	}
	req, err := s.alloc.Requesters.Update(r.Context(), r.PathValue("id"), allocator.RequesterChanges{Username: body.Username, Email: body.Email})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) deleteRequester(w http.ResponseWriter, r *http.Request) {
	if err := s.alloc.Requesters.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requesterReservations(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.alloc.Requesters.Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	all, err := s.alloc.Reservations.ListForRequester(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

type resourceBody struct {
	Name     *string `json:"name"`
	Type     *string `json:"gpu_type"`
	MemoryMB *int64  `json:"gpu_memory"`
	models.Telemetry
	ErrorCount *int64 `json:"error_count"`
}

func (s *Server) createResource(w http.ResponseWriter, r *http.Request) {
	var body resourceBody
	if !decode(w, r, &body) {
		return
	}
	spec := allocator.ResourceSpec{Telemetry: body.Telemetry, ErrorCount: body.ErrorCount}
	if body.Name != nil {
		spec.Name = *body.Name
	}
	if body.Type != nil {
		spec.Type = *body.Type
	}
	if body.MemoryMB != nil {
		spec.MemoryMB = *body.MemoryMB
	}
	res, err := s.alloc.Resources.Create(r.Context(), spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	all, err := s.alloc.Resources.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) getResource(w http.ResponseWriter, r *http.Request) {
	res, err := s.alloc.Resources.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) updateResource(w http.ResponseWriter, r *http.Request) {
	var body resourceBody
	if !decode(w, r, &body) {
		return
	}
	res, err := s.alloc.Resources.Update(r.Context(), r.PathValue("id"), allocator.ResourceChanges{
		Name:       body.Name,
		Type:       body.Type,
		MemoryMB:   body.MemoryMB,
		Telemetry:  body.Telemetry,
		ErrorCount: body.ErrorCount,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) deleteResource(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "invalid force %q", v)
			return
		}
		force = b
	}
	if err := s.alloc.Resources.Delete(r.Context(), r.PathValue("id"), force); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resourceStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.alloc.Resources.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) setResourceStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.ResourceStatus `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	res, err := s.alloc.Resources.SetStatus(r.Context(), r.PathValue("id"), body.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) book(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequesterID string    `json:"requester_id"`
		ResourceID  string    `json:"resource_id"`
		StartTime   time.Time `json:"start_time"`
		EndTime     time.Time `json:"end_time"`
	}
	if !decode(w, r, &body) {
		return
	}
	rv, err := s.alloc.Reservations.Book(r.Context(), body.RequesterID, body.ResourceID, body.StartTime, body.EndTime)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rv)
}

func (s *Server) listActiveReservations(w http.ResponseWriter, r *http.Request) {
	all, err := s.alloc.Reservations.ListActive(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) listCancelledReservations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, "invalid limit %q", v)
			return
		}
		limit = n
	}
	all, err := s.alloc.Reservations.ListCancelled(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) getReservation(w http.ResponseWriter, r *http.Request) {
	rv, err := s.alloc.Reservations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rv)
}

func (s *Server) updateReservation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ResourceID *string    `json:"resource_id"`
		EndTime    *time.Time `json:"end_time"`
	}
	if !decode(w, r, &body) {
		return
	}
	rv, err := s.alloc.Reservations.Update(r.Context(), r.PathValue("id"), allocator.ReservationChanges{ResourceID: body.ResourceID, EndTime: body.EndTime})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rv)
}

func (s *Server) cancelReservation(w http.ResponseWriter, r *http.Request) {
	rv, err := s.alloc.Reservations.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rv)
}

func (s *Server) startUsage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ResourceID    string `json:"resource_id"`
		ReservationID string `json:"reservation_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	rec, err := s.alloc.Usage.Start(r.Context(), body.ResourceID, body.ReservationID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) stopUsage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.alloc.Usage.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.alloc.Usage.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) recordTelemetry(w http.ResponseWriter, r *http.Request) {
	var body models.Telemetry
	if !decode(w, r, &body) {
		return
	}
	rec, err := s.alloc.Usage.RecordTelemetry(r.Context(), r.PathValue("id"), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) activeUsage(w http.ResponseWriter, r *http.Request) {
	all, err := s.alloc.Usage.ListActive(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) usageReport(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			badRequest(w, "invalid window %q", v)
			return
		}
		window = d
	}
	rep, err := s.alloc.Usage.Report(r.Context(), r.PathValue("resourceId"), window)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) joinQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequesterID string `json:"requester_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	p, err := s.alloc.Queue.Join(r.Context(), body.RequesterID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if p.Created {
		code = http.StatusCreated
	}
	writeJSON(w, code, p)
}

func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	all, err := s.alloc.Queue.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) nextInQueue(w http.ResponseWriter, r *http.Request) {
	e, err := s.alloc.Queue.Next(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("requester_id")
	if id == "" {
		badRequest(w, "requester_id is required")
		return
	}
	all, err := s.alloc.Queue.StatusFor(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) queuePosition(w http.ResponseWriter, r *http.Request) {
	p, err := s.alloc.Queue.Position(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) cancelQueueEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.alloc.Queue.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) allocateQueueEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.alloc.Queue.Allocate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) moveQueueEntry(w http.ResponseWriter, r *http.Request) {
	p, err := s.alloc.Queue.Move(r.Context(), r.PathValue("id"), r.PathValue("position"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
