// Package handlers provides HTTP request handlers for the stascan API.
// This file implements the scheduled scan endpoints.
package handlers

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/anstrom/stascan/internal/config"
	"github.com/anstrom/stascan/internal/logging"
	"github.com/anstrom/stascan/internal/scheduler"
)

// Scheduler is the part of *scheduler.Scheduler the API drives.
type Scheduler interface {
	GetJobs() []scheduler.ScheduledJob
	AddJob(sc config.ScheduleConfig) (uuid.UUID, error)
	RemoveJob(id uuid.UUID) error
	EnableJob(id uuid.UUID) error
	DisableJob(id uuid.UUID) error
	RunNow(id uuid.UUID) error
}

// ScheduleHandler handles schedule-related API endpoints.
type ScheduleHandler struct {
	scheduler Scheduler
	logger    *logging.Logger
}

// NewScheduleHandler creates a new schedule handler.
func NewScheduleHandler(s Scheduler, logger *logging.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		scheduler: s,
		logger:    logging.OrDefault(logger).WithFields("handler", "schedule"),
	}
}

// ScheduleRequest creates a scheduled scan.
type ScheduleRequest struct {
	Name  string   `json:"name" validate:"required,max=64"`
	Cron  string   `json:"cron" validate:"required"`
	SSID  string   `json:"ssid,omitempty" validate:"max=32"`
	Bands []string `json:"bands,omitempty"`
	Bulk  bool     `json:"bulk"`
}

// ScheduleResponse represents a scheduled scan.
type ScheduleResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Cron       string     `json:"cron"`
	SSID       string     `json:"ssid,omitempty"`
	Bands      []string   `json:"bands,omitempty"`
	Bulk       bool       `json:"bulk"`
	Enabled    bool       `json:"enabled"`
	Running    bool       `json:"running"`
	Runs       int        `json:"runs"`
	LastStatus string     `json:"last_status,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
}

// ListSchedules returns every scheduled scan, ordered by name.
func (h *ScheduleHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	jobs := h.scheduler.GetJobs()
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Config.Name < jobs[j].Config.Name
	})

	out := make([]ScheduleResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, scheduleResponse(&jobs[i]))
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"schedules": out,
		"count":     len(out),
	})
}

// CreateSchedule adds a scheduled scan.
func (h *ScheduleHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := parseJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	id, err := h.scheduler.AddJob(config.ScheduleConfig{
		Name:  req.Name,
		Cron:  req.Cron,
		SSID:  req.SSID,
		Bands: req.Bands,
		Bulk:  req.Bulk,
	})
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	h.logger.Info("Schedule created", "id", id.String(), "name", req.Name, "request_id", requestID(r))

	job, ok := h.find(id)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, fmt.Errorf("schedule %s vanished", id))
		return
	}
	writeJSON(w, r, http.StatusCreated, scheduleResponse(&job))
}

// DeleteSchedule removes a scheduled scan.
func (h *ScheduleHandler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "delete", h.scheduler.RemoveJob, http.StatusNoContent)
}

// RunSchedule triggers a scheduled scan now.
func (h *ScheduleHandler) RunSchedule(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "run", h.scheduler.RunNow, http.StatusOK)
}

// EnableSchedule resumes a scheduled scan.
func (h *ScheduleHandler) EnableSchedule(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "enable", h.scheduler.EnableJob, http.StatusOK)
}

// DisableSchedule pauses a scheduled scan.
func (h *ScheduleHandler) DisableSchedule(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, "disable", h.scheduler.DisableJob, http.StatusOK)
}

func (h *ScheduleHandler) control(w http.ResponseWriter, r *http.Request, op string, fn func(uuid.UUID) error, status int) {
	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := fn(id); err != nil {
		writeError(w, r, http.StatusNotFound, err)
		return
	}
	h.logger.Info("Schedule updated", "op", op, "id", id.String(), "request_id", requestID(r))

	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	job, ok := h.find(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, fmt.Errorf("schedule %s not found", id))
		return
	}
	writeJSON(w, r, status, scheduleResponse(&job))
}

func (h *ScheduleHandler) find(id uuid.UUID) (scheduler.ScheduledJob, bool) {
	for _, job := range h.scheduler.GetJobs() {
		if job.ID == id {
			return job, true
		}
	}
	return scheduler.ScheduledJob{}, false
}

func scheduleResponse(job *scheduler.ScheduledJob) ScheduleResponse {
	resp := ScheduleResponse{
		ID:         job.ID.String(),
		Name:       job.Config.Name,
		Cron:       job.Config.Cron,
		SSID:       job.Config.SSID,
		Bands:      job.Config.Bands,
		Bulk:       job.Config.Bulk,
		Enabled:    job.Enabled,
		Running:    job.Running,
		Runs:       job.Runs,
		LastStatus: job.LastStatus,
	}
	if !job.LastRun.IsZero() {
		t := job.LastRun.UTC()
		resp.LastRun = &t
	}
	if !job.NextRun.IsZero() {
		t := job.NextRun.UTC()
		resp.NextRun = &t
	}
	return resp
}

// extractUUIDFromPath extracts UUID from URL path parameter.
func extractUUIDFromPath(r *http.Request) (uuid.UUID, error) {
	idStr, exists := mux.Vars(r)["id"]
	if !exists {
		return uuid.Nil, fmt.Errorf("id not provided")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id: %s", idStr)
	}
	return id, nil
}
