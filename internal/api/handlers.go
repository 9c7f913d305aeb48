package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"gif-forge/internal/apperr"
	"gif-forge/internal/config"
	"gif-forge/internal/model"
	"gif-forge/internal/storage"
	"gif-forge/internal/ws"
)

const (
	jobsPrefix       = "/api/jobs/"
	defaultListLimit = 20
	maxListLimit     = 100
)

// JobQueue is the part of the job queue the HTTP layer drives.
type JobQueue interface {
	Submit(ctx context.Context, req model.GenerateRequest) (*model.Job, error)
	Wait(ctx context.Context, id string) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, limit int) ([]model.Job, error)
	Result(ctx context.Context, id string) (*model.GenerateResponse, *model.Job, error)
	GIF(ctx context.Context, id string) ([]byte, *model.Job, error)
}

type Handler struct {
	cfg      config.Config
	queue    JobQueue
	hub      *ws.Hub
	jobHub   *ws.JobHub
	upgrader websocket.Upgrader
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	JobID string `json:"job_id,omitempty"`
}

type submitResponse struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"ws_clients": h.hub.ClientCount(ctx),
	})
}

// GenerateGIF runs a job to completion within the request.
func (h *Handler) GenerateGIF(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	req, err := decodeGenerateRequest(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	job, err := h.queue.Submit(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	if _, err := h.queue.Wait(r.Context(), job.ID); err != nil {
		writeJobErr(w, job.ID, err)
		return
	}
	resp, _, err := h.queue.Result(r.Context(), job.ID)
	if err != nil {
		writeJobErr(w, job.ID, err)
		return
	}
	if resp == nil {
		writeJobErr(w, job.ID, apperr.New(apperr.KindIO, "api.generate", "job finished without a result"))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Jobs handles POST /api/jobs (submit) and GET /api/jobs (list).
func (h *Handler) Jobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		req, err := decodeGenerateRequest(r)
		if err != nil {
			writeErr(w, err)
			return
		}
		job, err := h.queue.Submit(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Location", jobsPrefix+job.ID)
		writeJSON(w, http.StatusAccepted, submitResponse{JobID: job.ID, Status: job.Status})
	case http.MethodGet:
		limit := atoiDefault(r.URL.Query().Get("limit"), defaultListLimit)
		if limit <= 0 || limit > maxListLimit {
			limit = defaultListLimit
		}
		jobs, err := h.queue.List(r.Context(), limit)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	default:
		methodNotAllowed(w)
	}
}

// JobRoute dispatches /api/jobs/{id}[/{action}].
func (h *Handler) JobRoute(w http.ResponseWriter, r *http.Request) {
	jobID, action, ok := parseJobRoute(r.URL.Path)
	if !ok {
		writeErr(w, apperr.New(apperr.KindNotFound, "api.route", "no such route"))
		return
	}
	if action == "ws" {
		h.JobWebSocket(w, r, jobID)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	switch action {
	case "":
		job, err := h.queue.Get(r.Context(), jobID)
		if err != nil {
			writeJobErr(w, jobID, err)
			return
		}
		writeJSON(w, http.StatusOK, job.Summary())
	case "result":
		h.jobResult(w, r, jobID)
	case "gif":
		h.jobGIF(w, r, jobID)
	default:
		writeErr(w, apperr.New(apperr.KindNotFound, "api.route", "no such route"))
	}
}

func (h *Handler) jobResult(w http.ResponseWriter, r *http.Request, jobID string) {
	resp, job, err := h.queue.Result(r.Context(), jobID)
	if err != nil {
		writeJobErr(w, jobID, err)
		return
	}
	if resp == nil {
		writeJSON(w, http.StatusAccepted, job.Summary())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) jobGIF(w http.ResponseWriter, r *http.Request, jobID string) {
	gif, job, err := h.queue.GIF(r.Context(), jobID)
	if err != nil {
		writeJobErr(w, jobID, err)
		return
	}
	title := ""
	if job.Artifact != nil {
		title = job.Artifact.Title
	}
	w.Header().Set("Content-Type", model.GIFMimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": storage.SafeTitle(title) + ".gif",
	}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(gif)
}

func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.checkUpgrade(w, r) {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Str("uri", r.RequestURI).Msg("ws upgrade failed")
		return
	}
	client := ws.NewClient(h.hub, conn)
	h.hub.BroadcastEvent(model.Event{Type: "ws.client_connected", Payload: map[string]string{"id": uuid.NewString()}, CreatedAt: time.Now().UnixMilli()})
	h.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}

// JobWebSocket streams one job's events. The first message is a snapshot of
// the job; the stream closes once the job has finished.
func (h *Handler) JobWebSocket(w http.ResponseWriter, r *http.Request, jobID string) {
	if !h.checkUpgrade(w, r) {
		return
	}
	if _, err := h.queue.Get(r.Context(), jobID); err != nil {
		writeJobErr(w, jobID, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("job", jobID).Str("remote", r.RemoteAddr).Msg("job ws upgrade failed")
		return
	}
	client := h.jobHub.Register(jobID, conn)
	go client.WritePump()
	go client.ReadPump()

	// Read after registering so a job finishing in between is not missed.
	job, err := h.queue.Get(context.WithoutCancel(r.Context()), jobID)
	if err != nil {
		h.jobHub.CloseJob(jobID)
		return
	}
	h.jobHub.Send(jobID, model.Event{Type: model.EventJobSnapshot, Payload: job.Summary(), CreatedAt: time.Now().UnixMilli()})
	if job.Status.Finished() {
		h.jobHub.CloseJob(jobID)
	}
}

func (h *Handler) checkUpgrade(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return false
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeErr(w, apperr.New(apperr.KindInvalidRequest, "api.ws", "websocket upgrade required"))
		return false
	}
	return true
}

func decodeGenerateRequest(r *http.Request) (model.GenerateRequest, error) {
	const op = "api.decode"
	var req model.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return req, apperr.Wrap(apperr.KindInvalidRequest, op, "request body too large", err)
		case errors.Is(err, io.EOF):
			return req, apperr.New(apperr.KindInvalidRequest, op, "request body is empty")
		default:
			return req, apperr.Wrap(apperr.KindInvalidRequest, op, "invalid JSON body", err)
		}
	}
	return req, nil
}

// parseJobRoute splits /api/jobs/{id}/{action}. action is empty for the job
// itself.
func parseJobRoute(path string) (jobID, action string, ok bool) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, jobsPrefix), "/"), "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		return "", "", false
	}
	jobID = parts[0]
	if len(parts) == 2 {
		action = parts[1]
	}
	return jobID, action, true
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJobErr(w, "", err)
}

func writeJobErr(w http.ResponseWriter, jobID string, err error) {
	kind := apperr.KindOf(err)
	status := apperr.Status(kind)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("job", jobID).Str("code", kind.String()).Msg("Request failed")
	}
	writeJSON(w, status, apiError{Error: err.Error(), Code: kind.String(), JobID: jobID})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed", Code: "method_not_allowed"})
}

func atoiDefault(v string, d int) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return d
	}
	return n
}
