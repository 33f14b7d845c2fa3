// Package server exposes the aging session lifecycle over HTTP: photo
// upload, slider updates, evolution video compilation and artifact
// download.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agelapse-dev/agelapse/internal/aging"
	"github.com/agelapse-dev/agelapse/internal/evolution"
	"github.com/agelapse-dev/agelapse/internal/session"
	"github.com/agelapse-dev/agelapse/internal/video"
)

// maxUploadBytes bounds the accepted photo size.
const maxUploadBytes = 20 << 20

// Handler holds all HTTP handlers.
type Handler struct {
	manager       *session.Manager
	generator     *evolution.Generator
	compiler      *video.Compiler
	frameDuration time.Duration
}

// NewHandler creates a new handler.
func NewHandler(manager *session.Manager, generator *evolution.Generator, compiler *video.Compiler, frameDuration time.Duration) *Handler {
	if frameDuration <= 0 {
		frameDuration = video.DefaultFrameDuration
	}
	return &Handler{
		manager:       manager,
		generator:     generator,
		compiler:      compiler,
		frameDuration: frameDuration,
	}
}

// Routes sets up all routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", h.CreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Put("/target-age", h.SetTargetAge)
			r.Post("/video", h.CompileVideo)
			r.Get("/image", h.DownloadImage)
		})
		r.Get("/artifacts/{handle}", h.DownloadArtifact)
	})

	return r
}

type sessionResponse struct {
	SessionID string         `json:"session_id"`
	State     aging.Snapshot `json:"state"`
}

type targetAgeRequest struct {
	TargetAge int `json:"target_age"`
}

type videoResponse struct {
	ArtifactHandle string `json:"artifact_handle"`
	ContentType    string `json:"content_type"`
	Frames         int    `json:"frames"`
}

// CreateSession accepts a photo upload, creates a session and starts
// age estimation. The photo arrives either as a multipart form field
// named "image" or as the raw request body.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	image, err := readUpload(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid upload", err.Error())
		return
	}

	id, err := h.manager.Create(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to create session", err.Error())
		return
	}

	ctrl, err := h.manager.Get(id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to create session", err.Error())
		return
	}

	if err := ctrl.Upload(r.Context(), image); err != nil {
		_ = h.manager.Delete(r.Context(), id)
		h.respondError(w, http.StatusBadRequest, "failed to start session", err.Error())
		return
	}

	h.respondJSON(w, http.StatusCreated, sessionResponse{SessionID: id, State: ctrl.Snapshot()})
}

// GetSession returns the current session state.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	ctrl, id, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, sessionResponse{SessionID: id, State: ctrl.Snapshot()})
}

// SetTargetAge records a slider movement. The response reflects the
// pending target immediately; synthesis follows once the value has been
// stable for the debounce interval.
func (h *Handler) SetTargetAge(w http.ResponseWriter, r *http.Request) {
	ctrl, id, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req targetAgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	snap := ctrl.Snapshot()
	if !snap.Interactive() {
		h.respondError(w, http.StatusConflict, "session not interactive",
			fmt.Sprintf("phase is %s", snap.Phase))
		return
	}

	ctrl.SetTargetAge(req.TargetAge)
	h.respondJSON(w, http.StatusOK, sessionResponse{SessionID: id, State: ctrl.Snapshot()})
}

// CompileVideo runs the full evolution pipeline: 20 frames generated
// sequentially from the source photo, then compiled into one video
// artifact. The session is busy for the whole run.
func (h *Handler) CompileVideo(w http.ResponseWriter, r *http.Request) {
	ctrl, id, ok := h.lookup(w, r)
	if !ok {
		return
	}

	snap := ctrl.Snapshot()
	if !snap.Interactive() {
		h.respondError(w, http.StatusConflict, "session not interactive",
			fmt.Sprintf("phase is %s", snap.Phase))
		return
	}
	if snap.Busy {
		h.respondError(w, http.StatusConflict, "session busy", "a generation is already running")
		return
	}

	source, ok := ctrl.Source()
	if !ok {
		h.respondError(w, http.StatusConflict, "no source photo", "upload a photo first")
		return
	}
	estimatedAge, _ := ctrl.EstimatedAge()

	release := ctrl.MarkBusy()
	defer release()

	progress := func(msg string) { log.Printf("[video] session %s: %s", id, msg) }

	frames, err := h.generator.GenerateEvolution(r.Context(), source, estimatedAge, progress)
	if err != nil {
		h.respondError(w, http.StatusBadGateway, "frame generation failed", err.Error())
		return
	}

	artifact, err := h.compiler.Compile(r.Context(), evolution.Images(frames), h.frameDuration, progress)
	if err != nil {
		status := http.StatusInternalServerError
		var loadErr *video.ImageLoadError
		switch {
		case errors.Is(err, video.ErrEmptyInput), errors.As(err, &loadErr):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, video.ErrUnsupportedEncoding):
			status = http.StatusNotImplemented
		}
		h.respondError(w, status, "video compilation failed", err.Error())
		return
	}

	handle, err := h.manager.StoreArtifact(r.Context(), id, artifact.ContentType, artifact.Data)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to store video", err.Error())
		return
	}

	h.respondJSON(w, http.StatusCreated, videoResponse{
		ArtifactHandle: handle,
		ContentType:    artifact.ContentType,
		Frames:         len(frames),
	})
}

// DownloadImage serves the currently displayed image. The filename
// distinguishes the untouched original from a synthesized variant.
func (h *Handler) DownloadImage(w http.ResponseWriter, r *http.Request) {
	ctrl, _, ok := h.lookup(w, r)
	if !ok {
		return
	}

	img, ok := ctrl.Displayed()
	if !ok {
		h.respondError(w, http.StatusNotFound, "no image to download", "upload a photo first")
		return
	}

	filename := "original.jpg"
	if !ctrl.DisplayedIsSource() {
		snap := ctrl.Snapshot()
		filename = fmt.Sprintf("age-%d.jpg", snap.TargetAge)
	}

	w.Header().Set("Content-Type", http.DetectContentType(img))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img)
}

// DownloadArtifact serves a compiled video by handle.
func (h *Handler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	art, err := h.manager.LoadArtifact(r.Context(), handle)
	if err != nil {
		if errors.Is(err, session.ErrArtifactNotFound) {
			h.respondError(w, http.StatusNotFound, "artifact not found", handle)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to load artifact", err.Error())
		return
	}

	w.Header().Set("Content-Type", art.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="evolution.avi"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Data)
}

// DeleteSession resets and removes a session; its artifact handle stops
// resolving.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.manager.Delete(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			h.respondError(w, http.StatusNotFound, "session not found", id)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to delete session", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// lookup resolves the session from the URL, writing the error response
// itself when the session is unknown.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*aging.Controller, string, bool) {
	id := chi.URLParam(r, "id")
	ctrl, err := h.manager.Get(id)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "session not found", id)
		return nil, "", false
	}
	return ctrl, id, true
}

// readUpload extracts the photo bytes from a multipart form or the raw
// request body.
func readUpload(r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return nil, fmt.Errorf("parse multipart form: %w", err)
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("missing form file %q: %w", "image", err)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("read form file: %w", err)
		}
		if len(data) == 0 {
			return nil, errors.New("empty image")
		}
		return data, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("empty image")
	}
	return data, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg, details string) {
	h.respondJSON(w, status, errorResponse{Error: msg, Details: details})
}
