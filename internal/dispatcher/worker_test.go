package dispatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/pdfsqueeze/internal/engine"
	"github.com/local/pdfsqueeze/internal/pdftest"
	"github.com/local/pdfsqueeze/internal/pipeline"
	"github.com/local/pdfsqueeze/internal/queue"
	"github.com/local/pdfsqueeze/internal/storage"
	"github.com/local/pdfsqueeze/internal/store"
)

type fakeQueue struct {
	mu        sync.Mutex
	jobs      []*queue.Job
	acked     []string
	cancelled map[string]bool
}

func newFakeQueue(jobs ...*queue.Job) *fakeQueue {
	return &fakeQueue{jobs: jobs, cancelled: map[string]bool{}}
}

func (q *fakeQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, *queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		time.Sleep(5 * time.Millisecond)
		return "", nil, nil
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return "msg-" + j.ID, j, nil
}

func (q *fakeQueue) Ack(ctx context.Context, msgID string) error {
	q.mu.Lock()
	q.acked = append(q.acked, msgID)
	q.mu.Unlock()
	return nil
}

func (q *fakeQueue) cancel(jobID string) {
	q.mu.Lock()
	q.cancelled[jobID] = true
	q.mu.Unlock()
}

func (q *fakeQueue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[jobID], nil
}

func (q *fakeQueue) Depths(ctx context.Context) (int64, int64, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), 0, 0, nil
}

type fakeStatus struct {
	mu      sync.Mutex
	m       map[string]store.Status
	history map[string][]store.Status
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{m: map[string]store.Status{}, history: map[string][]store.Status{}}
}

func (s *fakeStatus) Get(ctx context.Context, jobID string) (store.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[jobID]
	return st, ok, nil
}

func (s *fakeStatus) Set(ctx context.Context, jobID string, st store.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[jobID] = st
	s.history[jobID] = append(s.history[jobID], st)
	return nil
}

func (s *fakeStatus) SetUnlessCancelled(ctx context.Context, jobID string, st store.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m[jobID].Status == store.StatusCancelled {
		return false, nil
	}
	s.m[jobID] = st
	s.history[jobID] = append(s.history[jobID], st)
	return true, nil
}

type fakeChunks struct {
	recs map[string][]store.ChunkRecord
}

func (c *fakeChunks) Save(ctx context.Context, jobID string, records []store.ChunkRecord) error {
	c.recs[jobID] = records
	return nil
}

type fakeUploader struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (u *fakeUploader) UploadResult(ctx context.Context, jobID, fileName string, data []byte, meta map[string]string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.names = append(u.names, fileName)
	return "s3://bucket/results/" + jobID + "/" + fileName, nil
}

type scriptedLauncher struct {
	launchErr error
	run       func(ctx context.Context, input []byte) ([]byte, error)
}

type scriptedSession struct{ l *scriptedLauncher }

func (l *scriptedLauncher) Launch(ctx context.Context) (engine.Session, error) {
	if l.launchErr != nil {
		return nil, l.launchErr
	}
	return &scriptedSession{l: l}, nil
}

func (s *scriptedSession) Compress(ctx context.Context, input []byte, profile string) ([]byte, error) {
	if s.l.run == nil {
		return input, nil
	}
	return s.l.run(ctx, input)
}

func (s *scriptedSession) Close() error { return nil }

type harness struct {
	q       *fakeQueue
	status  *fakeStatus
	chunks  *fakeChunks
	s3      *fakeUploader
	local   *storage.Local
	worker  *Worker
	breaker *CircuitBreaker
}

func newHarness(t *testing.T, l *scriptedLauncher, cfg pipeline.Config) *harness {
	t.Helper()
	root := t.TempDir()
	local, err := storage.NewLocal(filepath.Join(root, "uploads"), filepath.Join(root, "results"))
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	h := &harness{
		q:       newFakeQueue(),
		status:  newFakeStatus(),
		chunks:  &fakeChunks{recs: map[string][]store.ChunkRecord{}},
		s3:      &fakeUploader{},
		local:   local,
		breaker: NewCircuitBreaker(rc, "gs", time.Minute, 5*time.Minute),
	}
	runner := pipeline.New(cfg, pipeline.PDFDocuments(nil), engine.NewAdapter(l, nil, 200*time.Millisecond))
	h.worker = New(Config{Concurrency: 1, CancelPoll: 10 * time.Millisecond, PollTimeout: 10 * time.Millisecond}, Deps{
		Queue:   h.q,
		Status:  h.status,
		Chunks:  h.chunks,
		Runner:  runner,
		Local:   local,
		S3:      h.s3,
		Breaker: h.breaker,
	})
	return h
}

func (h *harness) job(t *testing.T, id string, data []byte, quality string) *queue.Job {
	t.Helper()
	p := filepath.Join(h.local.UploadDir, id+".pdf")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	require.NoError(t, h.status.Set(context.Background(), id, store.Status{Status: store.StatusQueued, Message: "queued"}))
	return &queue.Job{ID: id, InputPath: p, FileName: "Report.pdf", Quality: quality, Size: int64(len(data))}
}

func TestProcessSingleShotSuccess(t *testing.T) {
	h := newHarness(t, &scriptedLauncher{run: func(ctx context.Context, input []byte) ([]byte, error) {
		return input[:len(input)*3/4], nil
	}}, pipeline.Config{})
	job := h.job(t, "j1", pdftest.Build(3), "high")

	h.worker.Process(context.Background(), job)

	st, ok, _ := h.status.Get(context.Background(), "j1")
	require.True(t, ok)
	assert.Equal(t, store.StatusSuccess, st.Status)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, "single_shot", st.Mode)
	assert.InDelta(t, 25.0, st.PercentReduction, 0.5)
	assert.Equal(t, "Report-compressed.pdf", st.Metadata["download_name"])
	assert.FileExists(t, h.local.ResultPath("j1"))
	assert.NoFileExists(t, job.InputPath)
	assert.Equal(t, []string{"Report-compressed.pdf"}, h.s3.names)
	require.Len(t, h.chunks.recs["j1"], 1)
	assert.Equal(t, "all", h.chunks.recs["j1"][0].Pages)
	assert.Equal(t, "s3://bucket/results/j1/Report-compressed.pdf", st.Metadata["s3_url"])
}

func TestProcessChunkedPublishesProgress(t *testing.T) {
	h := newHarness(t, &scriptedLauncher{}, pipeline.Config{ChunkThreshold: 512, TargetChunkBytes: 1024})
	src := pdftest.Build(8, pdftest.WithPadding(300))
	job := h.job(t, "j2", src, "")

	h.worker.Process(context.Background(), job)

	st, _, _ := h.status.Get(context.Background(), "j2")
	require.Equal(t, store.StatusSuccess, st.Status, st.Message)
	assert.Equal(t, "chunked", st.Mode)
	assert.Greater(t, st.ChunksTotal, 1)

	sawChunkLabel := false
	for _, s := range h.status.history["j2"] {
		if s.Status == store.StatusProcessing && strings.HasPrefix(s.Message, "Compressing chunk") {
			sawChunkLabel = true
		}
	}
	assert.True(t, sawChunkLabel)
	assert.Len(t, h.chunks.recs["j2"], st.ChunksTotal)
}

func TestProcessEngineFailureIsRecordedVerbatim(t *testing.T) {
	h := newHarness(t, &scriptedLauncher{run: func(ctx context.Context, input []byte) ([]byte, error) {
		return nil, &engine.EngineError{Message: "exit status 1", Output: "Error: /undefined in --run--"}
	}}, pipeline.Config{})
	job := h.job(t, "j3", pdftest.Build(2), "medium")

	h.worker.Process(context.Background(), job)

	st, _, _ := h.status.Get(context.Background(), "j3")
	assert.Equal(t, store.StatusFailed, st.Status)
	assert.Equal(t, pipeline.KindEngineFailure, st.ErrorKind)
	assert.Equal(t, 0, st.Progress)
	assert.Contains(t, st.Message, "/undefined in --run--")
	assert.NoFileExists(t, h.local.ResultPath("j3"))
	assert.Empty(t, h.s3.names)
}

func TestProcessInvalidQualityAndInput(t *testing.T) {
	h := newHarness(t, &scriptedLauncher{}, pipeline.Config{})

	h.worker.Process(context.Background(), h.job(t, "j4", pdftest.Build(1), "ultra"))
	st, _, _ := h.status.Get(context.Background(), "j4")
	assert.Equal(t, pipeline.KindInvalidInput, st.ErrorKind)

	h.worker.Process(context.Background(), h.job(t, "j5", []byte("just text"), "medium"))
	st, _, _ = h.status.Get(context.Background(), "j5")
	assert.Equal(t, store.StatusFailed, st.Status)
	assert.Equal(t, pipeline.KindInvalidInput, st.ErrorKind)
}

func TestProcessSkipsJobCancelledBeforeStart(t *testing.T) {
	h := newHarness(t, &scriptedLauncher{run: func(ctx context.Context, input []byte) ([]byte, error) {
		t.Fatal("engine must not run")
		return nil, nil
	}}, pipeline.Config{})
	job := h.job(t, "j6", pdftest.Build(1), "medium")
	h.q.cancel("j6")

	h.worker.Process(context.Background(), job)
	st, _, _ := h.status.Get(context.Background(), "j6")
	assert.Equal(t, store.StatusCancelled, st.Status)
}

func TestProcessCancelledDuringRun(t *testing.T) {
	var h *harness
	h = newHarness(t, &scriptedLauncher{run: func(ctx context.Context, input []byte) ([]byte, error) {
		h.q.cancel("j7")
		<-ctx.Done()
		return nil, ctx.Err()
	}}, pipeline.Config{})
	job := h.job(t, "j7", pdftest.Build(2), "medium")

	h.worker.Process(context.Background(), job)

	st, _, _ := h.status.Get(context.Background(), "j7")
	assert.Equal(t, store.StatusCancelled, st.Status)
	assert.Equal(t, pipeline.KindCancelled, st.ErrorKind)
}

func TestCancelRecordedByAPIIsNotOverwritten(t *testing.T) {
	var h *harness
	h = newHarness(t, &scriptedLauncher{run: func(ctx context.Context, input []byte) ([]byte, error) {
		// Status flips to cancelled before the worker's cancel poll notices.
		assert.NoError(t, h.status.Set(ctx, "j8", store.Status{Status: store.StatusCancelled, Message: "Cancelled: user abort"}))
		return input, nil
	}}, pipeline.Config{})
	h.worker.cfg.CancelPoll = time.Hour
	job := h.job(t, "j8", pdftest.Build(2), "medium")

	h.worker.Process(context.Background(), job)

	st, _, _ := h.status.Get(context.Background(), "j8")
	assert.Equal(t, store.StatusCancelled, st.Status)
	assert.Equal(t, "Cancelled: user abort", st.Message)
	assert.Equal(t, pipeline.KindCancelled, st.ErrorKind)
	assert.NoFileExists(t, h.local.ResultPath("j8"))
	assert.Empty(t, h.s3.names)

	hist := h.status.history["j8"]
	cancelledAt := -1
	for i, s := range hist {
		if s.Status == store.StatusCancelled && cancelledAt < 0 {
			cancelledAt = i
		}
	}
	require.GreaterOrEqual(t, cancelledAt, 0)
	for _, s := range hist[cancelledAt:] {
		assert.Equal(t, store.StatusCancelled, s.Status)
	}
}

func TestTransportFailureOpensBreaker(t *testing.T) {
	h := newHarness(t, &scriptedLauncher{launchErr: errors.New("cannot create temp dir")}, pipeline.Config{})
	h.worker.Process(context.Background(), h.job(t, "j8", pdftest.Build(1), "medium"))

	st, _, _ := h.status.Get(context.Background(), "j8")
	assert.Equal(t, pipeline.KindTransportFailure, st.ErrorKind)
	open, wait := h.breaker.IsOpen(context.Background())
	assert.True(t, open)
	assert.Greater(t, wait, time.Duration(0))
}

func TestWorkerLoopProcessesAndAcks(t *testing.T) {
	h := newHarness(t, &scriptedLauncher{}, pipeline.Config{})
	job := h.job(t, "j9", pdftest.Build(1), "maximum")
	h.q.mu.Lock()
	h.q.jobs = append(h.q.jobs, job)
	h.q.mu.Unlock()

	h.worker.Start()
	require.Eventually(t, func() bool {
		h.q.mu.Lock()
		defer h.q.mu.Unlock()
		return len(h.q.acked) == 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.worker.Stop(ctx))
	require.NoError(t, h.worker.Stop(ctx))

	st, _, _ := h.status.Get(context.Background(), "j9")
	assert.Equal(t, store.StatusSuccess, st.Status)
	assert.Equal(t, []string{"msg-j9"}, h.q.acked)
}
