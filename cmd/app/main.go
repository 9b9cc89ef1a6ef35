package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/local/pdfsqueeze/internal/api"
	cfgpkg "github.com/local/pdfsqueeze/internal/config"
	"github.com/local/pdfsqueeze/internal/dispatcher"
	"github.com/local/pdfsqueeze/internal/engine"
	logpkg "github.com/local/pdfsqueeze/internal/logger"
	"github.com/local/pdfsqueeze/internal/metrics"
	"github.com/local/pdfsqueeze/internal/pdfdoc"
	"github.com/local/pdfsqueeze/internal/pipeline"
	"github.com/local/pdfsqueeze/internal/queue"
	"github.com/local/pdfsqueeze/internal/statuscheck"
	"github.com/local/pdfsqueeze/internal/storage"
	"github.com/local/pdfsqueeze/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := cfgpkg.FromEnv()

	// Init logging
	_ = logpkg.Init(logpkg.Options{
		Service:      "pdfsqueeze",
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()
	metrics.Init()

	presets, err := engine.DefaultPresets().WithProfiles(cfg.Compression.ProfileOverrides)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid QUALITY_PROFILES")
	}
	defaultQuality, err := presets.Parse(cfg.Compression.DefaultQuality)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid DEFAULT_QUALITY")
	}

	// Queue
	rq, err := queue.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.Stream, cfg.Queue.Group)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rq.Close()

	// Status and chunk records share one client
	rs, err := store.NewRedisStatus(cfg.Queue.RedisURL, cfg.Worker.JobTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init redis status store")
	}
	defer rs.Close()
	chunks := store.NewChunkStore(rs.Client(), cfg.Worker.JobTTL)

	local, err := storage.NewLocal(cfg.Storage.UploadDir, cfg.Storage.ResultDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare local storage")
	}

	var s3c *storage.S3Client
	if cfg.Storage.S3Bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s3c, err = storage.NewS3Client(ctx, storage.S3Options{
			Bucket:          cfg.Storage.S3Bucket,
			Prefix:          cfg.Storage.S3Prefix,
			Region:          cfg.Storage.S3Region,
			Endpoint:        cfg.Storage.S3Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
		})
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("S3 disabled; results stay on local disk")
			s3c = nil
		}
	}

	var gs *engine.Ghostscript
	if bin, err := engine.LookupGhostscript(cfg.Compression.GhostscriptPath); err != nil {
		log.Warn().Err(err).Msg("ghostscript unavailable")
	} else {
		gs = engine.NewGhostscript(bin, cfg.Compression.WorkDir)
		gs.CompatibilityLevel = cfg.Compression.CompatibilityLevel
		if n := storage.CleanupEngineDirs(gs.WorkDir, time.Hour); n > 0 {
			log.Info().Int("removed", n).Msg("removed stale engine work dirs")
		}
	}

	pipeCfg := pipeline.Config{
		ChunkThreshold:   cfg.Compression.ChunkThreshold,
		TargetChunkBytes: cfg.Compression.TargetChunkBytes,
		Concurrency:      cfg.Compression.Concurrency,
		Presets:          presets,
	}

	checkOpts := statuscheck.Options{Redis: rq, UploadDir: local.UploadDir, ResultDir: local.ResultDir}
	if s3c != nil {
		checkOpts.S3 = s3c
	}
	if gs != nil {
		checkOpts.Engine = gs
	}

	deps := api.Dependencies{
		Queue:          rq,
		Status:         rs,
		Chunks:         chunks,
		Local:          local,
		Checker:        statuscheck.New(checkOpts),
		Presets:        presets,
		Modes:          pipeline.New(pipeCfg, nil, nil),
		MaxUploadSize:  cfg.Server.MaxUploadSize,
		DefaultQuality: defaultQuality,
	}
	if s3c != nil {
		deps.S3 = s3c
	}
	mux := http.NewServeMux()
	api.New(deps).RegisterRoutes(mux)

	// Dispatcher worker (optional)
	if cfg.Worker.Enabled {
		if gs == nil {
			log.Fatal().Msg("RUN_DISPATCHER is set but ghostscript was not found; set GHOSTSCRIPT_PATH")
		}
		runner := pipeline.New(pipeCfg, pipeline.PDFDocuments(pdfdoc.New()),
			engine.NewAdapter(gs, presets, cfg.Compression.ChunkTimeout))
		wdeps := dispatcher.Deps{
			Queue:   rq,
			Status:  rs,
			Chunks:  chunks,
			Runner:  runner,
			Local:   local,
			Breaker: dispatcher.NewCircuitBreaker(rs.Client(), "ghostscript", 30*time.Second, 10*time.Minute),
		}
		if s3c != nil {
			wdeps.S3 = s3c
		}
		disp := dispatcher.New(dispatcher.Config{
			Concurrency:  cfg.Worker.Concurrency,
			PollTimeout:  cfg.Queue.PollInterval,
			CancelPoll:   cfg.Worker.CancelPoll,
			MaxUploadAge: cfg.Worker.MaxUploadAge,
			Parallelism:  cfg.Compression.Concurrency,
			Presets:      presets,
		}, wdeps)
		disp.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Compression.ChunkTimeout+10*time.Second)
			defer cancel()
			if err := disp.Stop(ctx); err != nil {
				log.Warn().Err(err).Msg("dispatcher did not stop in time")
			}
		}()
	}

	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Info().Msgf("HTTP server listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	fmt.Println("shutdown complete")
}
