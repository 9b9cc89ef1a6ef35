package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfsqueeze/internal/config"
	"github.com/local/pdfsqueeze/internal/engine"
	"github.com/local/pdfsqueeze/internal/filetype"
	"github.com/local/pdfsqueeze/internal/metrics"
	"github.com/local/pdfsqueeze/internal/pipeline"
	"github.com/local/pdfsqueeze/internal/progress"
	"github.com/local/pdfsqueeze/internal/queue"
	"github.com/local/pdfsqueeze/internal/statuscheck"
	"github.com/local/pdfsqueeze/internal/storage"
	"github.com/local/pdfsqueeze/internal/store"
)

type Queue interface {
	Enqueue(ctx context.Context, job queue.Job) error
	CancelJob(ctx context.Context, jobID string) error
}

type StatusStore interface {
	Set(ctx context.Context, jobID string, st store.Status) error
	Get(ctx context.Context, jobID string) (store.Status, bool, error)
}

type ChunkLister interface {
	List(ctx context.Context, jobID string) ([]store.ChunkRecord, error)
}

// ResultOpener reads results that were only kept in object storage.
type ResultOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

type Checker interface {
	Summary(ctx context.Context) statuscheck.Summary
}

// Dependencies wires the HTTP layer. Chunks, S3 and Checker are optional.
type Dependencies struct {
	Queue   Queue
	Status  StatusStore
	Chunks  ChunkLister
	Local   *storage.Local
	S3      ResultOpener
	Checker Checker
	Presets engine.Presets
	// Modes predicts single-shot versus chunked for the create response.
	Modes         interface{ ModeFor(size int64) pipeline.Mode }
	MaxUploadSize int64

	// DefaultQuality applies when an upload names no quality.
	DefaultQuality engine.Quality
}

type API struct {
	deps     Dependencies
	detector *filetype.Detector
}

func New(deps Dependencies) *API {
	if deps.Presets == nil {
		deps.Presets = engine.DefaultPresets()
	}
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = config.DefaultMaxUploadSize
	}
	if deps.DefaultQuality == "" {
		deps.DefaultQuality = engine.DefaultQuality
	}
	return &API{deps: deps, detector: filetype.New()}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/presets", a.handlePresets)
	mux.HandleFunc("/compress", a.handleCompress)
	mux.HandleFunc("/progress/", a.handleProgress)
	mux.HandleFunc("/download_result/", a.handleDownloadResult)
	mux.HandleFunc("/webhook/cancel_job", a.handleCancelJob)
	mux.HandleFunc("/status", a.handleStatus)
	mux.Handle("/metrics", metrics.Handler())
}

type compressResp struct {
	Status   string                 `json:"status"`
	JobID    string                 `json:"job_id"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) handlePresets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default": a.deps.DefaultQuality,
		"presets": a.deps.Presets.Sorted(),
	})
}

// handleCompress accepts a multipart upload (file, quality) and enqueues a job.
func (a *API) handleCompress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.deps.MaxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, fmt.Sprintf("file exceeds %s limit", progress.FormatBytes(a.deps.MaxUploadSize)), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	raw := r.FormValue("quality")
	if strings.TrimSpace(raw) == "" {
		raw = string(a.deps.DefaultQuality)
	}
	q, err := a.deps.Presets.Parse(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	jobID := uuid.NewString()
	path, size, err := a.deps.Local.SaveUpload(jobID, file)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("cannot save upload")
		http.Error(w, "cannot save upload", http.StatusInternalServerError)
		return
	}
	if size == 0 {
		a.deps.Local.RemoveUpload(path)
		http.Error(w, "empty file", http.StatusBadRequest)
		return
	}
	info, err := a.detector.DetectFile(path)
	if err != nil || !info.Supported {
		a.deps.Local.RemoveUpload(path)
		desc := "unknown"
		if info != nil {
			desc = info.Description
		}
		http.Error(w, "not a PDF: "+desc, http.StatusBadRequest)
		return
	}

	name := hdr.Filename
	if name == "" {
		name = "document.pdf"
	}
	start := time.Now()
	meta := map[string]interface{}{
		"file_name":     name,
		"download_name": pipeline.OutputName(name),
		"quality":       string(q),
	}
	if a.deps.Modes != nil {
		meta["mode"] = string(a.deps.Modes.ModeFor(size))
	}
	if err := a.deps.Status.Set(r.Context(), jobID, store.Status{
		Status: store.StatusQueued, Message: "queued", Start: &start, OriginalSize: size, Metadata: meta,
	}); err != nil {
		a.deps.Local.RemoveUpload(path)
		http.Error(w, "status store unavailable", http.StatusServiceUnavailable)
		return
	}

	job := queue.Job{ID: jobID, InputPath: path, FileName: name, Quality: string(q), Size: size, CreatedAt: start}
	if err := a.deps.Queue.Enqueue(r.Context(), job); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("enqueue failed")
		a.deps.Local.RemoveUpload(path)
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	log.Info().Str("job_id", jobID).Str("file", name).Int64("size", size).Str("quality", string(q)).Msg("job created")

	meta["original_size"] = size
	meta["original_size_human"] = progress.FormatBytes(size)
	writeJSON(w, http.StatusCreated, compressResp{
		Status:   "ok",
		JobID:    jobID,
		Message:  "Compression job created successfully",
		Metadata: meta,
	})
}

func (a *API) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/progress/")
	st, ok, err := a.deps.Status.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	body := map[string]any{
		"success":             st.Status == store.StatusSuccess,
		"job_id":              id,
		"status":              st.Status,
		"progress":            st.Progress,
		"message":             st.Message,
		"mode":                st.Mode,
		"chunks_done":         st.ChunksDone,
		"chunks_total":        st.ChunksTotal,
		"elapsed_ms":          st.ElapsedMs,
		"elapsed":             progress.FormatRemaining(time.Duration(st.ElapsedMs) * time.Millisecond),
		"original_size":       st.OriginalSize,
		"original_size_human": progress.FormatBytes(st.OriginalSize),
		"start_time":          st.Start,
		"end_time":            st.End,
	}
	if st.HasETA && !st.Terminal() {
		body["eta"] = progress.FormatRemaining(time.Duration(st.EtaMs) * time.Millisecond)
		body["eta_ms"] = st.EtaMs
	}
	if st.ErrorKind != "" {
		body["error_kind"] = st.ErrorKind
	}
	if st.Status == store.StatusSuccess {
		body["compressed_size"] = st.CompressedSize
		body["compressed_size_human"] = progress.FormatBytes(st.CompressedSize)
		body["percent_reduction"] = st.PercentReduction
		body["download_url"] = "/download_result/" + id
	}
	if a.deps.Chunks != nil && st.Terminal() {
		if recs, err := a.deps.Chunks.List(r.Context(), id); err == nil && len(recs) > 0 {
			body["chunk_details"] = recs
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// handleDownloadResult serves the compressed PDF, from local disk when
// present and otherwise from object storage.
func (a *API) handleDownloadResult(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/download_result/")
	st, ok, err := a.deps.Status.Get(r.Context(), id)
	if err != nil || !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	switch st.Status {
	case store.StatusSuccess:
	case store.StatusFailed, store.StatusCancelled:
		http.Error(w, fmt.Sprintf("job %s: %s", st.Status, st.Message), http.StatusConflict)
		return
	default:
		http.Error(w, "not ready", http.StatusAccepted)
		return
	}

	name, _ := st.Metadata["download_name"].(string)
	if name == "" {
		name = pipeline.OutputName("")
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))

	if a.deps.Local != nil {
		if f, err := os.Open(a.deps.Local.ResultPath(id)); err == nil {
			defer f.Close()
			fi, _ := f.Stat()
			var mod time.Time
			if fi != nil {
				mod = fi.ModTime()
			}
			http.ServeContent(w, r, name, mod, f)
			return
		}
	}

	s3url, _ := st.Metadata["s3_url"].(string)
	if s3url == "" || a.deps.S3 == nil {
		w.Header().Del("Content-Disposition")
		http.Error(w, "result not available", http.StatusNotFound)
		return
	}
	_, key, err := storage.SplitURL(s3url)
	if err != nil {
		http.Error(w, "result not available", http.StatusNotFound)
		return
	}
	body, size, err := a.deps.S3.Open(r.Context(), key)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("s3 download failed")
		http.Error(w, "failed to read", http.StatusBadGateway)
		return
	}
	defer body.Close()
	if size > 0 {
		w.Header().Set("Content-Length", fmt.Sprint(size))
	}
	_, _ = io.Copy(w, body)
}

type cancelReq struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cancelReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.JobID == "" {
		http.Error(w, "missing job_id", http.StatusBadRequest)
		return
	}
	st, ok, _ := a.deps.Status.Get(r.Context(), req.JobID)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if st.Status == store.StatusSuccess || st.Status == store.StatusFailed {
		http.Error(w, "job already finished", http.StatusConflict)
		return
	}
	if err := a.deps.Queue.CancelJob(r.Context(), req.JobID); err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	st.Status = store.StatusCancelled
	st.Progress = 0
	st.ErrorKind = pipeline.KindCancelled
	if req.Reason != "" {
		st.Message = fmt.Sprintf("Cancelled: %s", req.Reason)
	} else {
		st.Message = "Cancelled"
	}
	now := time.Now()
	st.End = &now
	_ = a.deps.Status.Set(r.Context(), req.JobID, st)
	log.Info().Str("job_id", req.JobID).Str("reason", req.Reason).Msg("job cancelled")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job_id": req.JobID, "status": store.StatusCancelled})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if a.deps.Checker == nil {
		http.Error(w, "status checks disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Checker.Summary(r.Context()))
}
