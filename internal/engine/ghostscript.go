package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Ghostscript launches one scratch directory per chunk and runs the gs binary
// against it. Nothing is shared between sessions.
type Ghostscript struct {
	Binary             string
	WorkDir            string
	CompatibilityLevel string
	ExtraArgs          []string
}

// LookupGhostscript resolves the engine binary. An explicit path wins,
// otherwise gs (or gswin64c) is searched on PATH.
func LookupGhostscript(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("ghostscript binary %s: %w", path, err)
		}
		return path, nil
	}
	for _, name := range []string{"gs", "gswin64c"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", errors.New("ghostscript not found in PATH")
}

// NewGhostscript returns a launcher rooted at workDir (os.TempDir when empty).
func NewGhostscript(binary, workDir string) *Ghostscript {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Ghostscript{Binary: binary, WorkDir: workDir, CompatibilityLevel: "1.4"}
}

// Version runs "gs --version".
func (g *Ghostscript) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, g.Binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("ghostscript version: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *Ghostscript) Launch(ctx context.Context) (Session, error) {
	if g.Binary == "" {
		return nil, errors.New("ghostscript binary not configured")
	}
	if err := os.MkdirAll(g.WorkDir, 0o755); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(g.WorkDir, "chunk-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return nil, err
	}
	return &gsSession{g: g, dir: dir}, nil
}

type gsSession struct {
	g       *Ghostscript
	dir     string
	closeMu sync.Once
}

func (s *gsSession) Compress(ctx context.Context, input []byte, profile string) ([]byte, error) {
	in := filepath.Join(s.dir, "input.pdf")
	out := filepath.Join(s.dir, "output.pdf")
	if err := os.WriteFile(in, input, 0o600); err != nil {
		return nil, &TransportError{Op: "deliver", Err: err}
	}

	args := []string{
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=" + s.g.CompatibilityLevel,
		"-dPDFSETTINGS=" + profile,
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
	}
	args = append(args, s.g.ExtraArgs...)
	args = append(args, "-sOutputFile="+out, in)

	cmd := exec.CommandContext(ctx, s.g.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &EngineError{Message: err.Error(), Output: tail(stderr.String(), 512)}
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, &TransportError{Op: "retrieve", Err: err}
	}
	return data, nil
}

func (s *gsSession) Close() error {
	var err error
	s.closeMu.Do(func() {
		err = os.RemoveAll(s.dir)
		if err == nil {
			log.Debug().Str("dir", s.dir).Msg("engine scratch dir removed")
		}
	})
	return err
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
