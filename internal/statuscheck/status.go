package statuscheck

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"
)

// Pinger models the minimal capability needed for a reachability check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EngineProbe reports the engine binary version.
type EngineProbe interface {
	Version(ctx context.Context) (string, error)
}

// Checker aggregates health checks for external dependencies.
type Checker struct {
	redis     Pinger
	s3        Pinger
	engine    EngineProbe
	uploadDir string
	resultDir string
}

// Options configures the Checker. A nil S3 means object storage is disabled.
type Options struct {
	Redis     Pinger
	S3        Pinger
	Engine    EngineProbe
	UploadDir string
	ResultDir string
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Redis       Status `json:"redis"`
	S3          Status `json:"s3"`
	Ghostscript Status `json:"ghostscript"`
	Storage     Status `json:"storage"`
}

// Healthy is true when every required subsystem is up. S3 is optional.
func (s Summary) Healthy() bool {
	return s.Redis.OK && s.Ghostscript.OK && s.Storage.OK
}

func New(opts Options) *Checker {
	return &Checker{
		redis:     opts.Redis,
		s3:        opts.S3,
		engine:    opts.Engine,
		uploadDir: opts.UploadDir,
		resultDir: opts.ResultDir,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Redis:       c.checkRedis(ctx),
		S3:          c.checkS3(ctx),
		Ghostscript: c.checkEngine(ctx),
		Storage:     c.checkStorage(),
	}
}

func (c *Checker) checkRedis(ctx context.Context) Status {
	if c.redis == nil {
		return Status{OK: false, Message: "client unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkS3(ctx context.Context) Status {
	if c.s3 == nil {
		return Status{OK: false, Message: "Bucket not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.s3.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkEngine(ctx context.Context) Status {
	if c.engine == nil {
		return Status{OK: false, Message: "Binary not found"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	v, err := c.engine.Version(ctx)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Available " + v}
}

func (c *Checker) checkStorage() Status {
	for _, d := range []string{c.uploadDir, c.resultDir} {
		if d == "" {
			continue
		}
		fi, err := os.Stat(d)
		if err != nil {
			return Status{OK: false, Message: trimError(err)}
		}
		if !fi.IsDir() {
			return Status{OK: false, Message: d + " is not a directory"}
		}
	}
	return Status{OK: true, Message: "Writable"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := strings.TrimSpace(err.Error())
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
