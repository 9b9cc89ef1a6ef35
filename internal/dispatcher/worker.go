package dispatcher

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pdfsqueeze/internal/engine"
	"github.com/local/pdfsqueeze/internal/metrics"
	"github.com/local/pdfsqueeze/internal/pipeline"
	"github.com/local/pdfsqueeze/internal/progress"
	"github.com/local/pdfsqueeze/internal/queue"
	"github.com/local/pdfsqueeze/internal/storage"
	"github.com/local/pdfsqueeze/internal/store"
)

type Queue interface {
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, *queue.Job, error)
	Ack(ctx context.Context, msgID string) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	Depths(ctx context.Context) (int64, int64, int64, error)
}

type StatusStore interface {
	Get(ctx context.Context, jobID string) (store.Status, bool, error)
	Set(ctx context.Context, jobID string, st store.Status) error
	// SetUnlessCancelled must not overwrite a cancelled status.
	SetUnlessCancelled(ctx context.Context, jobID string, st store.Status) (bool, error)
}

type ChunkRecorder interface {
	Save(ctx context.Context, jobID string, records []store.ChunkRecord) error
}

type ResultUploader interface {
	UploadResult(ctx context.Context, jobID, fileName string, data []byte, meta map[string]string) (string, error)
}

type Runner interface {
	Run(ctx context.Context, src []byte, q engine.Quality, opts ...pipeline.RunOption) (*pipeline.Result, error)
}

type Config struct {
	Concurrency  int
	PollTimeout  time.Duration
	CancelPoll   time.Duration
	MaxUploadAge time.Duration
	// Parallelism is the pipeline's chunk concurrency, used for ETA waves.
	Parallelism int
	Presets     engine.Presets
	Consumer    string
}

// Deps are the worker's collaborators. Chunks, S3 and Breaker are optional.
type Deps struct {
	Queue   Queue
	Status  StatusStore
	Chunks  ChunkRecorder
	Runner  Runner
	Local   *storage.Local
	S3      ResultUploader
	Breaker *CircuitBreaker
}

type Worker struct {
	cfg  Config
	deps Deps
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func New(cfg Config, deps Deps) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.CancelPoll <= 0 {
		cfg.CancelPoll = time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.Presets == nil {
		cfg.Presets = engine.DefaultPresets()
	}
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &Worker{cfg: cfg, deps: deps, stop: make(chan struct{})}
}

func (w *Worker) Start() {
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(i)
	}
	w.wg.Add(1)
	go w.depthLoop()
}

// Stop asks workers to finish their current job and waits until ctx expires.
func (w *Worker) Stop(ctx context.Context) error {
	w.once.Do(func() { close(w.stop) })
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stop:
	case <-time.After(d):
	}
}

func (w *Worker) loop(id int) {
	defer w.wg.Done()
	log.Info().Int("worker", id).Msg("dispatcher worker started")
	consumer := fmt.Sprintf("%s-%d", w.cfg.Consumer, id)
	for !w.stopped() {
		if w.deps.Breaker != nil {
			if open, wait := w.deps.Breaker.IsOpen(context.Background()); open {
				w.sleep(wait)
				continue
			}
		}

		msgID, job, err := w.deps.Queue.Dequeue(context.Background(), consumer, w.cfg.PollTimeout)
		if err != nil {
			log.Error().Err(err).Int("worker", id).Msg("queue dequeue error")
			w.sleep(500 * time.Millisecond)
			continue
		}
		if job == nil {
			continue
		}

		w.Process(context.Background(), job)
		if err := w.deps.Queue.Ack(context.Background(), msgID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("ack failed")
		}
	}
	log.Info().Int("worker", id).Msg("dispatcher worker stopped")
}

func (w *Worker) depthLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			stream, pending, dlq, err := w.deps.Queue.Depths(ctx)
			cancel()
			if err != nil {
				continue
			}
			metrics.SetQueueDepth("stream", stream)
			metrics.SetQueueDepth("pending", pending)
			metrics.SetQueueDepth("dlq", dlq)
		}
	}
}

// Process runs one job end to end and records its final status. It never
// returns an error; every outcome lands in the status store.
func (w *Worker) Process(ctx context.Context, job *queue.Job) {
	logger := log.With().Str("job_id", job.ID).Str("quality", job.Quality).Logger()
	defer func() {
		if w.deps.Local != nil {
			w.deps.Local.RemoveUpload(job.InputPath)
			w.deps.Local.CleanupOlderThan(w.cfg.MaxUploadAge)
		}
	}()

	if cancelled, _ := w.deps.Queue.IsCancelled(ctx, job.ID); cancelled {
		logger.Warn().Msg("job cancelled before processing; skipping")
		w.finishCancelled(ctx, job.ID, "cancelled before processing")
		return
	}

	st, _, _ := w.deps.Status.Get(ctx, job.ID)
	start := time.Now()
	st.Status = store.StatusProcessing
	st.Message = "Preparing..."
	st.Start = &start
	st.Progress = 0
	w.setStatus(ctx, job.ID, st)

	q, err := w.cfg.Presets.Parse(job.Quality)
	if err != nil {
		w.finishFailed(ctx, job.ID, st, err, pipeline.KindInvalidInput)
		return
	}
	src, err := os.ReadFile(job.InputPath)
	if err != nil {
		w.finishFailed(ctx, job.ID, st, fmt.Errorf("read upload: %w", err), pipeline.KindInvalidInput)
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		w.watchCancel(runCtx, job.ID, cancelRun)
	}()

	tracker := progress.NewTracker(progress.WithParallelism(w.cfg.Parallelism))
	tracker.Subscribe(func(s progress.Snapshot) {
		snap := st
		applySnapshot(&snap, s)
		if w.setStatus(ctx, job.ID, snap) {
			cancelRun()
		}
	})

	res, err := w.deps.Runner.Run(runCtx, src, q, pipeline.WithProgress(tracker), pipeline.WithJobID(job.ID))
	cancelRun()
	<-watchDone

	if err != nil {
		kind := pipeline.FailureKind(err)
		if kind == pipeline.KindCancelled {
			w.finishCancelled(ctx, job.ID, "cancelled during compression")
			return
		}
		if kind == pipeline.KindTransportFailure && w.deps.Breaker != nil {
			w.deps.Breaker.Open(ctx)
		}
		applySnapshot(&st, tracker.Snapshot())
		w.finishFailed(ctx, job.ID, st, err, kind)
		return
	}
	if w.deps.Breaker != nil {
		w.deps.Breaker.Close(ctx)
	}
	w.finishSuccess(ctx, job, st, res)
}

func (w *Worker) watchCancel(ctx context.Context, jobID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(w.cfg.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cancelled, err := w.deps.Queue.IsCancelled(ctx, jobID); err == nil && cancelled {
				log.Warn().Str("job_id", jobID).Msg("cancellation requested; aborting run")
				cancel()
				return
			}
		}
	}
}

func applySnapshot(st *store.Status, s progress.Snapshot) {
	st.Mode = s.Mode
	st.Message = s.Label
	st.ChunksDone = s.Completed
	st.ChunksTotal = s.Total
	st.Progress = int(s.Percent)
	st.ElapsedMs = s.Elapsed.Milliseconds()
	st.EtaMs = s.ETA.Milliseconds()
	st.HasETA = s.HasETA
}

func (w *Worker) finishSuccess(ctx context.Context, job *queue.Job, st store.Status, res *pipeline.Result) {
	if w.cancelRequested(ctx, job.ID) {
		log.Warn().Str("job_id", job.ID).Msg("job cancelled after compression finished; result discarded")
		w.finishCancelled(ctx, job.ID, "cancelled during compression")
		return
	}
	name := pipeline.OutputName(job.FileName)
	meta := map[string]interface{}{"file_name": job.FileName, "download_name": name, "quality": job.Quality}
	for k, v := range st.Metadata {
		if _, ok := meta[k]; !ok {
			meta[k] = v
		}
	}

	if w.deps.Local != nil {
		p, err := w.deps.Local.SaveResult(job.ID, res.Data)
		if err != nil {
			w.finishFailed(ctx, job.ID, st, fmt.Errorf("save result: %w", err), pipeline.KindInternal)
			return
		}
		meta["result_path"] = p
	}
	if w.deps.S3 != nil {
		url, err := w.deps.S3.UploadResult(ctx, job.ID, name, res.Data, map[string]string{"quality": job.Quality, "mode": string(res.Mode)})
		if err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("s3 upload failed; result kept locally")
		} else {
			meta["s3_url"] = url
		}
	}
	if w.deps.Chunks != nil {
		recs := make([]store.ChunkRecord, len(res.Chunks))
		for i, c := range res.Chunks {
			recs[i] = store.ChunkRecord{Index: c.Index, Pages: c.Range.Selection(), InputBytes: c.InputSize, DurationMs: c.Duration.Milliseconds()}
			if res.Mode == pipeline.ModeSingleShot {
				recs[i].Pages = "all"
			}
		}
		if err := w.deps.Chunks.Save(ctx, job.ID, recs); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to save chunk records")
		}
	}

	end := time.Now()
	st.Status = store.StatusSuccess
	st.Progress = 100
	st.Mode = string(res.Mode)
	st.Message = fmt.Sprintf("%s → %s (%.1f%% smaller)",
		progress.FormatBytes(res.Metrics.OriginalSize),
		progress.FormatBytes(res.Metrics.CompressedSize),
		res.Metrics.PercentReduction)
	st.ChunksDone = len(res.Chunks)
	st.ChunksTotal = len(res.Chunks)
	st.EtaMs = 0
	st.ElapsedMs = res.Elapsed.Milliseconds()
	st.OriginalSize = res.Metrics.OriginalSize
	st.CompressedSize = res.Metrics.CompressedSize
	st.PercentReduction = res.Metrics.PercentReduction
	st.ErrorKind = ""
	st.End = &end
	st.Metadata = meta
	if w.setStatus(ctx, job.ID, st) {
		if w.deps.Local != nil {
			w.deps.Local.RemoveResult(job.ID)
		}
		metrics.IncJob("cancelled")
		return
	}
	metrics.IncJob("success")
}

func (w *Worker) finishFailed(ctx context.Context, jobID string, st store.Status, err error, kind string) {
	end := time.Now()
	st.Status = store.StatusFailed
	st.Progress = 0
	st.Message = err.Error()
	st.ErrorKind = kind
	st.EtaMs = 0
	st.HasETA = false
	st.End = &end
	if w.setStatus(ctx, jobID, st) {
		return
	}
	metrics.IncJob("failed")
	log.Error().Err(err).Str("job_id", jobID).Str("kind", kind).Msg("job failed")
}

func (w *Worker) finishCancelled(ctx context.Context, jobID, msg string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	st, _, _ := w.deps.Status.Get(cctx, jobID)
	// A cancel from the API already carries the caller's reason.
	if st.Status != store.StatusCancelled || st.Message == "" {
		st.Message = msg
	}
	end := time.Now()
	st.Status = store.StatusCancelled
	st.Progress = 0
	st.ErrorKind = pipeline.KindCancelled
	st.EtaMs = 0
	st.HasETA = false
	if st.End == nil {
		st.End = &end
	}
	if err := w.deps.Status.Set(cctx, jobID, st); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("status update failed")
	}
	metrics.IncJob("cancelled")
}

// cancelRequested checks both the queue's cancel set and the stored status.
func (w *Worker) cancelRequested(ctx context.Context, jobID string) bool {
	if cancelled, err := w.deps.Queue.IsCancelled(ctx, jobID); err == nil && cancelled {
		return true
	}
	st, ok, err := w.deps.Status.Get(ctx, jobID)
	return err == nil && ok && st.Status == store.StatusCancelled
}

// setStatus writes st unless the job has been cancelled meanwhile. It
// reports true when the write was skipped for that reason.
func (w *Worker) setStatus(ctx context.Context, jobID string, st store.Status) (cancelled bool) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	written, err := w.deps.Status.SetUnlessCancelled(cctx, jobID, st)
	if err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("status update failed")
		return false
	}
	if !written {
		log.Debug().Str("job_id", jobID).Msg("job cancelled; status update skipped")
	}
	return !written
}
