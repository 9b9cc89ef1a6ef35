// Package pipeline runs a PDF through the compression engine, either whole or
// split into page-range chunks that are compressed one by one and merged back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/pdfsqueeze/internal/engine"
	"github.com/local/pdfsqueeze/internal/filetype"
	"github.com/local/pdfsqueeze/internal/metrics"
	"github.com/local/pdfsqueeze/internal/pdfdoc"
	"github.com/local/pdfsqueeze/internal/planner"
	"github.com/local/pdfsqueeze/internal/progress"
)

const (
	DefaultChunkThreshold   int64 = 6 << 20
	DefaultTargetChunkBytes int64 = 4 << 20
)

type Mode string

const (
	ModeSingleShot Mode = "single_shot"
	ModeChunked    Mode = "chunked"
)

type State string

const (
	StatePreparing  State = "preparing"
	StateSingleShot State = "single_shot"
	StateChunked    State = "chunked"
	StateMerging    State = "merging"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Config holds the size policy. Zero values select the defaults.
type Config struct {
	ChunkThreshold   int64
	TargetChunkBytes int64
	// Concurrency > 1 compresses up to that many chunks at once.
	Concurrency int
	Presets     engine.Presets
}

func (c Config) withDefaults() Config {
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = DefaultChunkThreshold
	}
	if c.TargetChunkBytes <= 0 {
		c.TargetChunkBytes = DefaultTargetChunkBytes
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Presets == nil {
		c.Presets = engine.DefaultPresets()
	}
	return c
}

// Compressor compresses one standalone PDF.
type Compressor interface {
	Compress(ctx context.Context, chunk []byte, q engine.Quality) ([]byte, error)
}

// RunMetrics summarises the size change of a run.
type RunMetrics struct {
	OriginalSize     int64   `json:"original_size"`
	CompressedSize   int64   `json:"compressed_size"`
	PercentReduction float64 `json:"percent_reduction"`
}

// ChunkResult is one compressed chunk. Data is released once merged.
type ChunkResult struct {
	Index     int
	Range     planner.PageRange
	Data      []byte
	InputSize int64
	Duration  time.Duration
}

// Result is the output of a successful run.
type Result struct {
	Data    []byte
	Metrics RunMetrics
	Mode    Mode
	Pages   int
	Chunks  []ChunkResult
	Elapsed time.Duration
}

type runOptions struct {
	tracker *progress.Tracker
	onState func(State)
	jobID   string
}

// RunOption customises a single Run.
type RunOption func(*runOptions)

// WithProgress reports into t. The run starts and stops it.
func WithProgress(t *progress.Tracker) RunOption { return func(o *runOptions) { o.tracker = t } }

// WithStateListener is called on every state transition.
func WithStateListener(fn func(State)) RunOption { return func(o *runOptions) { o.onState = fn } }

// WithJobID adds a job_id field to the run's log lines.
func WithJobID(id string) RunOption { return func(o *runOptions) { o.jobID = id } }

// Orchestrator drives runs. It holds no per-run state and may be shared.
type Orchestrator struct {
	cfg      Config
	docs     Documents
	comp     Compressor
	detector *filetype.Detector
}

func New(cfg Config, docs Documents, comp Compressor) *Orchestrator {
	return &Orchestrator{cfg: cfg.withDefaults(), docs: docs, comp: comp, detector: filetype.New()}
}

// ModeFor reports which mode a source of size bytes will use.
func (o *Orchestrator) ModeFor(size int64) Mode {
	if size <= o.cfg.ChunkThreshold {
		return ModeSingleShot
	}
	return ModeChunked
}

type run struct {
	o       *Orchestrator
	opts    runOptions
	q       engine.Quality
	tracker *progress.Tracker
	logger  zerolog.Logger
	state   State
}

func (r *run) enter(s State) {
	r.state = s
	r.logger.Debug().Str("state", string(s)).Msg("pipeline state")
	if r.opts.onState != nil {
		r.opts.onState(s)
	}
}

// Run compresses src with quality q. On failure no partial output is returned
// and the error can be classified with FailureKind.
func (o *Orchestrator) Run(ctx context.Context, src []byte, q engine.Quality, opts ...RunOption) (*Result, error) {
	ro := runOptions{}
	for _, fn := range opts {
		fn(&ro)
	}
	tracker := ro.tracker
	if tracker == nil {
		tracker = progress.NewTracker(progress.WithParallelism(o.cfg.Concurrency))
	}
	lc := log.With().Str("quality", string(q))
	if ro.jobID != "" {
		lc = lc.Str("job_id", ro.jobID)
	}
	r := &run{o: o, opts: ro, q: q, tracker: tracker, logger: lc.Logger()}

	start := time.Now()
	tracker.Start()
	defer tracker.Stop()

	res, err := r.execute(ctx, src)
	elapsed := time.Since(start)
	mode := string(o.ModeFor(int64(len(src))))
	if err != nil {
		kind := FailureKind(err)
		r.enter(StateFailed)
		metrics.ObserveRun(mode, kind, elapsed, int64(len(src)), 0)
		r.logger.Error().Err(err).Str("kind", kind).Str("mode", mode).Dur("dur", elapsed).Msg("compression failed")
		return nil, err
	}
	res.Elapsed = elapsed
	metrics.ObserveRun(mode, "ok", elapsed, res.Metrics.OriginalSize, res.Metrics.CompressedSize)
	r.enter(StateDone)
	r.logger.Info().
		Str("mode", string(res.Mode)).
		Int("chunks", len(res.Chunks)).
		Int64("original", res.Metrics.OriginalSize).
		Int64("compressed", res.Metrics.CompressedSize).
		Float64("reduction_pct", res.Metrics.PercentReduction).
		Dur("dur", elapsed).
		Msg("compression finished")
	return res, nil
}

func (r *run) execute(ctx context.Context, src []byte) (*Result, error) {
	r.enter(StatePreparing)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(src) == 0 {
		return nil, &pdfdoc.InvalidInputError{Reason: "empty document"}
	}
	if err := r.o.detector.RequirePDF(src); err != nil {
		return nil, &pdfdoc.InvalidInputError{Reason: err.Error()}
	}
	if _, err := r.o.cfg.Presets.Lookup(r.q); err != nil {
		return nil, &pdfdoc.InvalidInputError{Reason: err.Error()}
	}

	var (
		res *Result
		err error
	)
	if r.o.ModeFor(int64(len(src))) == ModeSingleShot {
		res, err = r.singleShot(ctx, src)
	} else {
		res, err = r.chunked(ctx, src)
	}
	if err != nil {
		return nil, err
	}

	r.enter(StateFinalizing)
	res.Metrics = RunMetrics{
		OriginalSize:     int64(len(src)),
		CompressedSize:   int64(len(res.Data)),
		PercentReduction: progress.PercentReduction(int64(len(src)), int64(len(res.Data))),
	}
	r.tracker.Complete()
	return res, nil
}

func (r *run) singleShot(ctx context.Context, src []byte) (*Result, error) {
	r.enter(StateSingleShot)
	r.tracker.SetMode(string(ModeSingleShot), 1)
	r.tracker.SetLabel("Compressing...")
	r.logger.Info().Str("mode", string(ModeSingleShot)).Int("bytes", len(src)).Msg("compressing whole document")

	start := time.Now()
	out, err := r.o.comp.Compress(ctx, src, r.q)
	d := time.Since(start)
	metrics.ObserveChunk(string(r.q), resultLabel(err), d)
	if err != nil {
		return nil, err
	}
	r.tracker.RecordChunkCompletion(d)
	return &Result{
		Data:   out,
		Mode:   ModeSingleShot,
		Chunks: []ChunkResult{{Index: 0, InputSize: int64(len(src)), Duration: d}},
	}, nil
}

func (r *run) chunked(ctx context.Context, src []byte) (*Result, error) {
	r.enter(StateChunked)
	r.tracker.SetLabel("Loading document...")
	doc, err := r.o.docs.Load(ctx, src)
	if err != nil {
		var invalid *pdfdoc.InvalidInputError
		if !errors.As(err, &invalid) && ctx.Err() == nil {
			err = &pdfdoc.InvalidInputError{Reason: "cannot load document", Err: err}
		}
		return nil, err
	}
	pages := doc.PageCount()
	if pages < 1 {
		return nil, &pdfdoc.InvalidInputError{Reason: "document has no pages"}
	}
	plan, err := planner.New(pages, int64(len(src)), r.o.cfg.TargetChunkBytes)
	if err != nil {
		return nil, &pdfdoc.InvalidInputError{Reason: err.Error()}
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("chunk plan: %w", err)
	}
	total := plan.NumChunks()
	r.tracker.SetMode(string(ModeChunked), total)
	r.logger.Info().
		Str("mode", string(ModeChunked)).
		Int("pages", pages).
		Int("pages_per_chunk", plan.PagesPerChunk).
		Int("chunks", total).
		Int("concurrency", r.o.cfg.Concurrency).
		Msg("document split into chunks")

	results := make([]ChunkResult, total)
	if r.o.cfg.Concurrency > 1 && total > 1 {
		err = r.compressParallel(ctx, doc, plan, results)
	} else {
		err = r.compressSequential(ctx, doc, plan, results)
	}
	if err != nil {
		return nil, err
	}

	r.enter(StateMerging)
	r.tracker.SetLabel("Merging compressed chunks...")
	parts := make([][]byte, total)
	for i := range results {
		parts[i] = results[i].Data
	}
	merged, err := r.o.docs.Merge(ctx, parts)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Data = nil
	}
	return &Result{Data: merged, Mode: ModeChunked, Pages: pages, Chunks: results}, nil
}

func (r *run) compressSequential(ctx context.Context, doc Document, plan planner.Plan, results []ChunkResult) error {
	for i, pr := range plan.Ranges {
		if err := ctx.Err(); err != nil {
			return &ChunkError{Index: i, Total: plan.NumChunks(), Err: err}
		}
		r.tracker.SetLabel(fmt.Sprintf("Compressing chunk %d of %d...", i+1, plan.NumChunks()))
		cr, err := r.compressChunk(ctx, doc, i, pr, plan.NumChunks())
		if err != nil {
			return err
		}
		results[i] = cr
	}
	return nil
}

func (r *run) compressParallel(ctx context.Context, doc Document, plan planner.Plan, results []ChunkResult) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.o.cfg.Concurrency)
	for i, pr := range plan.Ranges {
		i, pr := i, pr
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return &ChunkError{Index: i, Total: plan.NumChunks(), Err: err}
			}
			r.tracker.SetLabel(fmt.Sprintf("Compressing chunk %d of %d...", i+1, plan.NumChunks()))
			cr, err := r.compressChunk(gctx, doc, i, pr, plan.NumChunks())
			if err != nil {
				return err
			}
			results[i] = cr
			return nil
		})
	}
	return g.Wait()
}

func (r *run) compressChunk(ctx context.Context, doc Document, i int, pr planner.PageRange, total int) (ChunkResult, error) {
	start := time.Now()
	part, err := doc.Extract(ctx, pr)
	if err != nil {
		if ctx.Err() == nil {
			err = &pdfdoc.InvalidInputError{Reason: "cannot extract pages " + pr.Selection(), Err: err}
		}
		return ChunkResult{}, &ChunkError{Index: i, Total: total, Err: err}
	}
	out, err := r.o.comp.Compress(ctx, part, r.q)
	d := time.Since(start)
	metrics.ObserveChunk(string(r.q), resultLabel(err), d)
	if err != nil {
		return ChunkResult{}, &ChunkError{Index: i, Total: total, Err: err}
	}
	r.tracker.RecordChunkCompletion(d)
	r.logger.Debug().
		Int("chunk", i+1).
		Int("of", total).
		Str("pages", pr.Selection()).
		Int("in", len(part)).
		Int("out", len(out)).
		Dur("dur", d).
		Msg("chunk compressed")
	return ChunkResult{Index: i, Range: pr, Data: out, InputSize: int64(len(part)), Duration: d}, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return FailureKind(err)
}
