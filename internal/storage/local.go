package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Local keeps uploads and results on disk.
type Local struct {
	UploadDir string
	ResultDir string
}

func NewLocal(uploadDir, resultDir string) (*Local, error) {
	for _, d := range []string{uploadDir, resultDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return &Local{UploadDir: uploadDir, ResultDir: resultDir}, nil
}

// SaveUpload copies r to <upload>/<jobID>.pdf and returns the path and size.
func (l *Local) SaveUpload(jobID string, r io.Reader) (string, int64, error) {
	p := filepath.Join(l.UploadDir, jobID+".pdf")
	f, err := os.Create(p)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(p)
		return "", 0, err
	}
	return p, n, nil
}

// SaveResult writes data to <result>/<jobID>.pdf.
func (l *Local) SaveResult(jobID string, data []byte) (string, error) {
	p := l.ResultPath(jobID)
	tmp := p + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return p, nil
}

// ResultPath is where SaveResult puts a job's output.
func (l *Local) ResultPath(jobID string) string {
	return filepath.Join(l.ResultDir, jobID+".pdf")
}

// RemoveUpload deletes a job's input file.
func (l *Local) RemoveUpload(path string) {
	if path == "" || !strings.HasPrefix(filepath.Clean(path), filepath.Clean(l.UploadDir)) {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("failed to remove upload")
	}
}

// RemoveResult deletes a stored result, e.g. when its job was cancelled.
func (l *Local) RemoveResult(jobID string) {
	if err := os.Remove(l.ResultPath(jobID)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("job_id", jobID).Msg("failed to remove result")
	}
}

// CleanupOlderThan removes regular files in the upload and result dirs whose
// modification time is older than maxAge. It returns how many were removed.
func (l *Local) CleanupOlderThan(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	now := time.Now()
	removed := 0
	for _, dir := range []string{l.UploadDir, l.ResultDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil || now.Sub(info.ModTime()) < maxAge {
				continue
			}
			if os.Remove(filepath.Join(dir, e.Name())) == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("swept stale files")
	}
	return removed
}

// CleanupEngineDirs removes leftover chunk-* scratch directories older than
// maxAge from workDir, e.g. after a crash.
func CleanupEngineDirs(workDir string, maxAge time.Duration) int {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return 0
	}
	now := time.Now()
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "chunk-") {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if os.RemoveAll(filepath.Join(workDir, e.Name())) == nil {
			removed++
		}
	}
	return removed
}
