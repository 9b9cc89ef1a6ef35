package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pdfsqueeze/internal/config"
	"github.com/local/pdfsqueeze/internal/engine"
	"github.com/local/pdfsqueeze/internal/pdftest"
	"github.com/local/pdfsqueeze/internal/pipeline"
	"github.com/local/pdfsqueeze/internal/queue"
	"github.com/local/pdfsqueeze/internal/statuscheck"
	"github.com/local/pdfsqueeze/internal/storage"
	"github.com/local/pdfsqueeze/internal/store"
)

type fakeQueue struct {
	mu        sync.Mutex
	jobs      []queue.Job
	cancelled []string
	err       error
}

func (q *fakeQueue) Enqueue(ctx context.Context, job queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) CancelJob(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, jobID)
	return nil
}

type fakeStatus struct {
	mu sync.Mutex
	m  map[string]store.Status
}

func (s *fakeStatus) Set(ctx context.Context, jobID string, st store.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[jobID] = st
	return nil
}

func (s *fakeStatus) Get(ctx context.Context, jobID string) (store.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[jobID]
	return st, ok, nil
}

type fakeChunks map[string][]store.ChunkRecord

func (f fakeChunks) List(ctx context.Context, jobID string) ([]store.ChunkRecord, error) {
	return f[jobID], nil
}

type fakeOpener struct{ objects map[string][]byte }

func (o fakeOpener) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	b, ok := o.objects[key]
	if !ok {
		return nil, 0, errors.New("NoSuchKey")
	}
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

type fakeChecker struct{}

func (fakeChecker) Summary(ctx context.Context) statuscheck.Summary {
	return statuscheck.Summary{Redis: statuscheck.Status{OK: true, Message: "Connected"}}
}

type fixture struct {
	q      *fakeQueue
	status *fakeStatus
	local  *storage.Local
	mux    *http.ServeMux
}

func newFixture(t *testing.T, mut func(*Dependencies)) *fixture {
	t.Helper()
	root := t.TempDir()
	local, err := storage.NewLocal(filepath.Join(root, "up"), filepath.Join(root, "res"))
	require.NoError(t, err)
	f := &fixture{q: &fakeQueue{}, status: &fakeStatus{m: map[string]store.Status{}}, local: local, mux: http.NewServeMux()}
	deps := Dependencies{
		Queue:   f.q,
		Status:  f.status,
		Local:   local,
		Checker: fakeChecker{},
		Modes:   pipeline.New(pipeline.Config{}, nil, nil),
	}
	if mut != nil {
		mut(&deps)
	}
	New(deps).RegisterRoutes(f.mux)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, name string, data []byte, quality string) *http.Request {
	t.Helper()
	var b bytes.Buffer
	mw := multipart.NewWriter(&b)
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	if quality != "" {
		require.NoError(t, mw.WriteField("quality", quality))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/compress", &b)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestCompressEnqueuesJob(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(uploadRequest(t, "Annual Report.pdf", pdftest.Build(2), "maximum"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp compressResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	assert.Equal(t, "Annual Report-compressed.pdf", resp.Metadata["download_name"])
	assert.Equal(t, "single_shot", resp.Metadata["mode"])

	require.Len(t, f.q.jobs, 1)
	job := f.q.jobs[0]
	assert.Equal(t, resp.JobID, job.ID)
	assert.Equal(t, "maximum", job.Quality)
	assert.FileExists(t, job.InputPath)

	st, ok, _ := f.status.Get(context.Background(), resp.JobID)
	require.True(t, ok)
	assert.Equal(t, store.StatusQueued, st.Status)
	assert.Equal(t, job.Size, st.OriginalSize)
}

func TestCompressUsesConfiguredDefaultQuality(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) { d.DefaultQuality = engine.QualityMaximum })

	rec := f.do(uploadRequest(t, "a.pdf", pdftest.Build(1), ""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(uploadRequest(t, "b.pdf", pdftest.Build(1), "high"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.Len(t, f.q.jobs, 2)
	assert.Equal(t, "maximum", f.q.jobs[0].Quality)
	assert.Equal(t, "high", f.q.jobs[1].Quality)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/presets", nil))
	assert.Contains(t, rec.Body.String(), `"default":"maximum"`)
}

func TestCompressRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(uploadRequest(t, "notes.txt", []byte("hello there, plain text"), ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "not a PDF")

	rec = f.do(uploadRequest(t, "a.pdf", pdftest.Build(1), "ultra"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown quality")

	rec = f.do(uploadRequest(t, "a.pdf", nil, ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/compress", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Empty(t, f.q.jobs)
	entries, _ := os.ReadDir(f.local.UploadDir)
	assert.Empty(t, entries, "rejected uploads are removed")
}

func TestCompressTooLarge(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) { d.MaxUploadSize = 512 })
	rec := f.do(uploadRequest(t, "big.pdf", pdftest.Build(4, pdftest.WithPadding(400)), ""))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestNewAppliesDefaults(t *testing.T) {
	a := New(Dependencies{})
	assert.Equal(t, config.DefaultMaxUploadSize, a.deps.MaxUploadSize)
	assert.Equal(t, engine.DefaultQuality, a.deps.DefaultQuality)
	assert.Len(t, a.deps.Presets, 4)
}

func TestCompressQueueUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	f.q.err = errors.New("redis down")
	rec := f.do(uploadRequest(t, "a.pdf", pdftest.Build(1), ""))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProgress(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) {
		d.Chunks = fakeChunks{"done": {{Index: 0, Pages: "1-10", InputBytes: 100, DurationMs: 1200}}}
	})
	ctx := context.Background()
	_ = f.status.Set(ctx, "run", store.Status{Status: store.StatusProcessing, Progress: 40, Message: "Compressing chunk 3 of 5...",
		Mode: "chunked", ChunksDone: 2, ChunksTotal: 5, ElapsedMs: 4000, OriginalSize: 9000, EtaMs: 125000, HasETA: true})
	_ = f.status.Set(ctx, "done", store.Status{Status: store.StatusSuccess, Progress: 100, OriginalSize: 2048, CompressedSize: 1024, PercentReduction: 50})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/progress/run", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "2m 5s", body["eta"])
	assert.EqualValues(t, 5, body["chunks_total"])
	assert.EqualValues(t, 2, body["chunks_done"])
	assert.EqualValues(t, 4000, body["elapsed_ms"])
	assert.Equal(t, "4s", body["elapsed"])
	assert.EqualValues(t, 9000, body["original_size"])
	assert.EqualValues(t, 125000, body["eta_ms"])
	assert.NotContains(t, body, "compressed_size")
	assert.Equal(t, "Compressing chunk 3 of 5...", body["message"])
	assert.NotContains(t, body, "chunk_details")

	rec = f.do(httptest.NewRequest(http.MethodGet, "/progress/done", nil))
	body = map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 2048, body["original_size"])
	assert.Equal(t, "2 KB", body["original_size_human"])
	assert.EqualValues(t, 1024, body["compressed_size"])
	assert.EqualValues(t, 50, body["percent_reduction"])
	assert.NotContains(t, body, "eta")
	assert.Len(t, body["chunk_details"], 1)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/progress/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadResult(t *testing.T) {
	f := newFixture(t, func(d *Dependencies) {
		d.S3 = fakeOpener{objects: map[string][]byte{"results/remote/x-compressed.pdf": []byte("%PDF-remote")}}
	})
	ctx := context.Background()
	_, err := f.local.SaveResult("local", []byte("%PDF-local"))
	require.NoError(t, err)
	_ = f.status.Set(ctx, "local", store.Status{Status: store.StatusSuccess, Metadata: map[string]interface{}{"download_name": "x-compressed.pdf"}})
	_ = f.status.Set(ctx, "remote", store.Status{Status: store.StatusSuccess, Metadata: map[string]interface{}{
		"download_name": "x-compressed.pdf", "s3_url": "s3://bucket/results/remote/x-compressed.pdf"}})
	_ = f.status.Set(ctx, "pending", store.Status{Status: store.StatusProcessing})
	_ = f.status.Set(ctx, "failed", store.Status{Status: store.StatusFailed, Message: "chunk 3 of 5: engine timed out"})

	rec := f.do(httptest.NewRequest(http.MethodGet, "/download_result/local", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "%PDF-local", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "x-compressed.pdf")

	rec = f.do(httptest.NewRequest(http.MethodGet, "/download_result/remote", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "%PDF-remote", rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodGet, "/download_result/pending", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/download_result/failed", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "engine timed out")

	rec = f.do(httptest.NewRequest(http.MethodGet, "/download_result/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_ = f.status.Set(ctx, "j1", store.Status{Status: store.StatusProcessing, Progress: 30})
	_ = f.status.Set(ctx, "j2", store.Status{Status: store.StatusSuccess})

	rec := f.do(httptest.NewRequest(http.MethodPost, "/webhook/cancel_job", strings.NewReader(`{"job_id":"j1","reason":"user abort"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"j1"}, f.q.cancelled)
	st, _, _ := f.status.Get(ctx, "j1")
	assert.Equal(t, store.StatusCancelled, st.Status)
	assert.Equal(t, "Cancelled: user abort", st.Message)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/webhook/cancel_job", strings.NewReader(`{"job_id":"j2"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/webhook/cancel_job", strings.NewReader(`{"job_id":"zz"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodPost, "/webhook/cancel_job", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPresetsHealthAndStatus(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/presets", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Default string `json:"default"`
		Presets []struct {
			Quality string `json:"quality"`
			Profile string `json:"profile"`
		} `json:"presets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "medium", body.Default)
	require.Len(t, body.Presets, 4)
	assert.Equal(t, "/prepress", body.Presets[0].Profile)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "ok", rec.Body.String())

	rec = f.do(httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Contains(t, rec.Body.String(), `"redis":{"ok":true`)
}
