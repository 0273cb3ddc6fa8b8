package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/reelpilot/reelpilot/internal/model"
	"github.com/reelpilot/reelpilot/internal/scheduler"
	"github.com/reelpilot/reelpilot/internal/video"
)

// maxUploadMemoryBytes bounds how much of a multipart upload is buffered in
// memory before spilling to disk.
const maxUploadMemoryBytes = 32 << 20

// Server exposes the scheduler over a JSON HTTP API
type Server struct {
	logger    *zap.Logger
	scheduler *scheduler.Scheduler
	videos    *video.Processor
	http      *http.Server
}

// NewServer creates the API server listening on addr
func NewServer(addr string, sched *scheduler.Scheduler, videos *video.Processor, logger *zap.Logger) *Server {
	s := &Server{
		logger:    logger.Named("api"),
		scheduler: sched,
		videos:    videos,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/videos", s.handleUploadVideo)
	mux.HandleFunc("POST /api/posts", s.handleCreatePost)
	mux.HandleFunc("GET /api/posts", s.handleListPosts)
	mux.HandleFunc("GET /api/posts/{id}", s.handleGetPost)
	mux.HandleFunc("PUT /api/posts/{id}", s.handleUpdatePost)
	mux.HandleFunc("DELETE /api/posts/{id}", s.handleDeletePost)
	mux.HandleFunc("POST /api/recurring", s.handleSetRecurring)
	mux.HandleFunc("GET /api/recurring", s.handleGetRecurring)
	mux.HandleFunc("DELETE /api/recurring", s.handleCancelRecurring)
	mux.HandleFunc("POST /api/scheduler/pause", s.handlePause)
	mux.HandleFunc("POST /api/scheduler/resume", s.handleResume)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("API server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleUploadVideo(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemoryBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("missing video file: %w", err))
		return
	}
	defer file.Close()

	temporary := r.FormValue("temporary") == "true"
	stored, err := s.videos.Process(video.Upload{
		Name:   header.Filename,
		Size:   header.Size,
		Reader: file,
	}, temporary)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, stored)
}

type createPostRequest struct {
	VideoPath     string    `json:"video_path"`
	Caption       string    `json:"caption"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	post := &model.ScheduledPost{
		VideoPath:     req.VideoPath,
		Caption:       req.Caption,
		ScheduledTime: req.ScheduledTime,
	}
	id, err := s.scheduler.SchedulePost(post)
	if err != nil {
		s.writeSchedulerError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListPosts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.ListPosts())
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, ok := s.scheduler.GetPost(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, scheduler.ErrPostNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, post)
}

type updatePostRequest struct {
	Caption       string    `json:"caption"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	var req updatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.scheduler.UpdatePost(r.PathValue("id"), req.Caption, req.ScheduledTime); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.scheduler.DeletePost(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !deleted {
		s.writeError(w, http.StatusNotFound, scheduler.ErrPostNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type setRecurringRequest struct {
	VideoPath string   `json:"video_path"`
	Caption   string   `json:"caption"`
	Times     []string `json:"times"`
}

func (s *Server) handleSetRecurring(w http.ResponseWriter, r *http.Request) {
	var req setRecurringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	times := make([]model.TimeOfDay, 0, len(req.Times))
	for _, raw := range req.Times {
		t, err := model.ParseTimeOfDay(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		times = append(times, t)
	}

	if err := s.scheduler.ScheduleRecurring(req.Caption, times, req.VideoPath); err != nil {
		s.writeSchedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetRecurring(w http.ResponseWriter, _ *http.Request) {
	schedule, err := s.scheduler.GetRecurring()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if schedule == nil {
		s.writeError(w, http.StatusNotFound, errors.New("no recurring schedule configured"))
		return
	}
	s.writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) handleCancelRecurring(w http.ResponseWriter, _ *http.Request) {
	if err := s.scheduler.CancelRecurring(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.scheduler.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.scheduler.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.Status())
}

// writeSchedulerError maps façade sentinel errors onto HTTP status codes
func (s *Server) writeSchedulerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrPostNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, scheduler.ErrPastSchedule),
		errors.Is(err, scheduler.ErrCaptionTooLong),
		errors.Is(err, scheduler.ErrMissingVideo),
		errors.Is(err, scheduler.ErrNoTimes):
		s.writeError(w, http.StatusBadRequest, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
