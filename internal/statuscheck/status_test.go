package statuscheck

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeEngine struct {
	v   string
	err error
}

func (p fakeEngine) Version(ctx context.Context) (string, error) { return p.v, p.err }

func TestSummaryAllHealthy(t *testing.T) {
	dir := t.TempDir()
	c := New(Options{
		Redis:     pingFunc(func(context.Context) error { return nil }),
		S3:        pingFunc(func(context.Context) error { return nil }),
		Engine:    fakeEngine{v: "10.02.1"},
		UploadDir: dir,
		ResultDir: dir,
	})
	s := c.Summary(context.Background())
	assert.True(t, s.Healthy())
	assert.True(t, s.S3.OK)
	assert.Equal(t, "Available 10.02.1", s.Ghostscript.Message)
}

func TestSummaryReportsFailures(t *testing.T) {
	c := New(Options{
		Redis:     pingFunc(func(context.Context) error { return errors.New("dial tcp: connection refused") }),
		Engine:    fakeEngine{err: errors.New("exec: \"gs\": executable file not found in $PATH")},
		UploadDir: filepath.Join(t.TempDir(), "missing"),
	})
	s := c.Summary(context.Background())
	assert.False(t, s.Healthy())
	assert.Equal(t, "dial tcp: connection refused", s.Redis.Message)
	assert.Equal(t, Status{OK: false, Message: "Bucket not configured"}, s.S3)
	assert.False(t, s.Ghostscript.OK)
	assert.False(t, s.Storage.OK)
}

func TestTrimError(t *testing.T) {
	assert.Equal(t, "", trimError(nil))
	assert.Equal(t, "timeout", trimError(context.DeadlineExceeded))
	long := errors.New(string(make([]byte, 300)))
	assert.Len(t, trimError(long), 120)
}
