package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/unalkalkan/TwelveNarrator/internal/job"
	"github.com/unalkalkan/TwelveNarrator/internal/packaging"
	"github.com/unalkalkan/TwelveNarrator/internal/pipeline"
	"github.com/unalkalkan/TwelveNarrator/internal/storage"
	"github.com/unalkalkan/TwelveNarrator/internal/streaming"
	"github.com/unalkalkan/TwelveNarrator/internal/tts"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

const jobsPrefix = "/api/v1/jobs/"

// JobsHandler handles narration job endpoints
type JobsHandler struct {
	pipeline         *pipeline.Pipeline
	streamingService *streaming.Service
	packagingService *packaging.Service
	store            storage.Store
	progress         http.Handler
}

// NewJobsHandler creates a new jobs handler. progress serves websocket
// upgrades and may be nil.
func NewJobsHandler(p *pipeline.Pipeline, jobs job.Repository, packager *packaging.Service, store storage.Store, progress http.Handler) *JobsHandler {
	return &JobsHandler{
		pipeline:         p,
		streamingService: streaming.NewService(jobs),
		packagingService: packager,
		store:            store,
		progress:         progress,
	}
}

// SubmitJobRequest is the body of POST /api/v1/jobs
type SubmitJobRequest struct {
	Title         string                 `json:"title"`
	Text          string                 `json:"text"`
	Segments      []types.Segment        `json:"segments"`
	Mapping       map[string]string      `json:"speaker_mapping"`
	FallbackVoice string                 `json:"fallback_voice"`
	Concurrency   int                    `json:"concurrency_limit"`
	Params        types.SynthesisParams  `json:"params"`
	Cues          []types.EnvironmentCue `json:"cues"`
	CueRequests   []types.CueRequest     `json:"cue_requests"`
	// Start dispatches the job right away
	Start bool `json:"start"`
}

// OrdersRequest selects segments for retry and re-synthesis; empty means all
type OrdersRequest struct {
	Orders []int `json:"orders"`
}

// Jobs handles /api/v1/jobs
func (h *JobsHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.SubmitJob(w, r)
	case http.MethodGet:
		h.ListJobs(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// Route dispatches /api/v1/jobs/{id}/... to the matching handler
func (h *JobsHandler) Route(w http.ResponseWriter, r *http.Request) {
	jobID, rest := splitJobPath(r.URL.Path)
	if jobID == "" {
		respondError(w, "Job ID required", http.StatusBadRequest)
		return
	}

	switch {
	case len(rest) == 0:
		h.GetJob(w, r)
	case len(rest) == 1 && rest[0] == "progress":
		h.GetProgress(w, r)
	case len(rest) == 1 && rest[0] == "result":
		h.GetResult(w, r)
	case len(rest) == 1 && rest[0] == "mapping":
		h.UpdateMapping(w, r)
	case len(rest) == 1 && rest[0] == "segments":
		h.StreamSegments(w, r)
	case len(rest) == 3 && rest[0] == "segments" && rest[2] == "audio":
		h.GetSegmentAudio(w, r)
	case len(rest) == 1 && rest[0] == "audio":
		h.GetFinalAudio(w, r)
	case len(rest) == 1 && rest[0] == "download":
		h.DownloadJob(w, r)
	case len(rest) == 1 && rest[0] == "ws":
		h.Progress(w, r)
	case len(rest) == 1:
		h.Control(w, r, rest[0])
	default:
		respondError(w, "Not found", http.StatusNotFound)
	}
}

// SubmitJob handles POST /api/v1/jobs
func (h *JobsHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	mapping, err := types.NewSpeakerMapping(req.Mapping)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	sub, err := h.pipeline.Submit(r.Context(), pipeline.SubmitRequest{
		Title:         req.Title,
		Text:          req.Text,
		Segments:      req.Segments,
		Mapping:       mapping,
		FallbackVoice: req.FallbackVoice,
		Concurrency:   req.Concurrency,
		Params:        req.Params,
		Cues:          req.Cues,
		CueRequests:   req.CueRequests,
	})
	if err != nil {
		respondError(w, fmt.Sprintf("Failed to submit job: %v", err), http.StatusBadRequest)
		return
	}

	if req.Start {
		if err := h.pipeline.Start(sub.Job.ID); err != nil {
			respondPipelineError(w, err)
			return
		}
	}
	respondJSON(w, sub, http.StatusCreated)
}

// ListJobs handles GET /api/v1/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.pipeline.List()
	respondJSON(w, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	}, http.StatusOK)
}

// GetJob handles GET /api/v1/jobs/:id
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID, _ := splitJobPath(r.URL.Path)

	j, err := h.pipeline.Get(jobID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, j, http.StatusOK)
}

// GetProgress handles GET /api/v1/jobs/:id/progress
func (h *JobsHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID, _ := splitJobPath(r.URL.Path)

	snap, err := h.pipeline.Snapshot(jobID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, snap, http.StatusOK)
}

// GetResult handles GET /api/v1/jobs/:id/result
func (h *JobsHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID, _ := splitJobPath(r.URL.Path)

	res, err := h.pipeline.Result(jobID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, res, http.StatusOK)
}

// UpdateMapping handles POST /api/v1/jobs/:id/mapping
func (h *JobsHandler) UpdateMapping(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID, _ := splitJobPath(r.URL.Path)

	var body struct {
		Mapping map[string]string `json:"speaker_mapping"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	unresolved, err := h.pipeline.UpdateMapping(r.Context(), jobID, body.Mapping)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	if unresolved == nil {
		unresolved = []string{}
	}
	respondJSON(w, map[string]interface{}{"unresolved_speakers": unresolved}, http.StatusOK)
}

// Control handles POST /api/v1/jobs/:id/{start,cancel,resume,retry,resynthesize}.
// Runs go to the background; progress is read from the progress endpoint.
func (h *JobsHandler) Control(w http.ResponseWriter, r *http.Request, action string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID, _ := splitJobPath(r.URL.Path)

	var err error
	switch action {
	case "start":
		err = h.pipeline.Start(jobID)
	case "cancel":
		err = h.pipeline.Cancel(jobID)
	case "resume":
		err = h.pipeline.StartResume(jobID)
	case "retry", "resynthesize":
		var req OrdersRequest
		if err := decodeOptional(r.Body, &req); err != nil {
			respondError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if action == "retry" {
			err = h.pipeline.StartRetry(jobID, req.Orders...)
		} else {
			err = h.pipeline.StartResynthesize(jobID, req.Orders...)
		}
	default:
		respondError(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		respondPipelineError(w, err)
		return
	}

	log.Printf("[API] Job %s: %s accepted", jobID, action)
	respondJSON(w, map[string]string{"job_id": jobID, "action": action}, http.StatusAccepted)
}

// StreamSegments handles GET /api/v1/jobs/:id/segments as NDJSON.
// Jobs no longer in memory are read from the repository.
func (h *JobsHandler) StreamSegments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID, _ := splitJobPath(r.URL.Path)

	afterOrder := -1
	if after := r.URL.Query().Get("after"); after != "" {
		n, err := strconv.Atoi(after)
		if err != nil {
			respondError(w, "Invalid after parameter", http.StatusBadRequest)
			return
		}
		afterOrder = n
	}

	var items []streaming.StreamItem
	if j, err := h.pipeline.Get(jobID); err == nil {
		items = streaming.Items(j, afterOrder)
	} else {
		items, err = h.streamingService.StreamSegments(r.Context(), jobID, afterOrder)
		if errors.Is(err, job.ErrNotFound) {
			respondError(w, "Job not found", http.StatusNotFound)
			return
		}
		if err != nil {
			respondError(w, "Failed to stream segments", http.StatusInternalServerError)
			return
		}
	}

	ndjson, err := streaming.EncodeNDJSON(items)
	if err != nil {
		respondError(w, "Failed to encode stream", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(ndjson))
}

// GetSegmentAudio handles GET /api/v1/jobs/:id/segments/:order/audio
func (h *JobsHandler) GetSegmentAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID, rest := splitJobPath(r.URL.Path)
	if len(rest) < 2 {
		respondError(w, "Segment order required", http.StatusBadRequest)
		return
	}
	order, err := strconv.Atoi(rest[1])
	if err != nil {
		respondError(w, "Invalid segment order", http.StatusBadRequest)
		return
	}

	j, err := h.pipeline.Get(jobID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	if order < 0 || order >= len(j.Segments) {
		respondError(w, "Segment not found", http.StatusNotFound)
		return
	}
	seg := j.Segments[order]
	if seg.Status != types.SegmentCompleted || seg.AudioRef == "" {
		respondError(w, fmt.Sprintf("Segment %d has no audio (%s)", order, seg.Status), http.StatusNotFound)
		return
	}
	h.serveStored(w, r, seg.AudioRef, "audio/wav")
}

// GetFinalAudio handles GET /api/v1/jobs/:id/audio
func (h *JobsHandler) GetFinalAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID, _ := splitJobPath(r.URL.Path)

	res, err := h.pipeline.Result(jobID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	if res.FinalAudioRef == "" {
		respondError(w, fmt.Sprintf("Job %s has no assembled track (%s)", jobID, res.Status), http.StatusNotFound)
		return
	}
	h.serveStored(w, r, res.FinalAudioRef, "audio/wav")
}

// DownloadJob handles GET /api/v1/jobs/:id/download
func (h *JobsHandler) DownloadJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID, _ := splitJobPath(r.URL.Path)

	j, err := h.pipeline.Get(jobID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	zipReader, err := h.packagingService.Export(r.Context(), j)
	if err != nil {
		respondError(w, fmt.Sprintf("Failed to package job: %v", err), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", archiveName(j)))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, zipReader)
}

// Progress handles GET /api/v1/jobs/:id/ws by subscribing the socket to the job
func (h *JobsHandler) Progress(w http.ResponseWriter, r *http.Request) {
	if h.progress == nil {
		respondError(w, "Progress push is disabled", http.StatusNotFound)
		return
	}
	jobID, _ := splitJobPath(r.URL.Path)
	if _, err := h.pipeline.Snapshot(jobID); err != nil {
		respondPipelineError(w, err)
		return
	}

	q := r.URL.Query()
	q.Set("job_id", jobID)
	r.URL.RawQuery = q.Encode()
	h.progress.ServeHTTP(w, r)
}

func (h *JobsHandler) serveStored(w http.ResponseWriter, r *http.Request, ref, contentType string) {
	reader, err := h.store.Get(r.Context(), ref)
	if errors.Is(err, storage.ErrNotFound) {
		respondError(w, "Audio file not found", http.StatusNotFound)
		return
	}
	if err != nil {
		respondError(w, "Failed to read audio", http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, reader)
}

func archiveName(j *types.SynthesisJob) string {
	safeTitle := strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '_'
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-':
			return r
		}
		return -1
	}, j.Title)
	if safeTitle == "" {
		return fmt.Sprintf("job-%s.zip", j.ID)
	}
	return safeTitle + ".zip"
}

// decodeOptional decodes a JSON body that may be empty
func decodeOptional(body io.Reader, v interface{}) error {
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// splitJobPath returns the job id and the remaining path elements
func splitJobPath(path string) (string, []string) {
	if !strings.HasPrefix(path, jobsPrefix) {
		return "", nil
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(path, jobsPrefix), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return "", nil
	}
	return parts[0], parts[1:]
}

func respondPipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrJobNotFound):
		respondError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, pipeline.ErrJobActive), errors.Is(err, pipeline.ErrJobNotActive), errors.Is(err, pipeline.ErrInvalidState):
		respondError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, tts.ErrUnknownSegment), errors.Is(err, tts.ErrForbiddenTransition):
		respondError(w, err.Error(), http.StatusBadRequest)
	default:
		respondError(w, err.Error(), http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
