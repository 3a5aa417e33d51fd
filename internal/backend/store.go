package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	fileutil "convertkit/internal/file"
)

// JobStore abstracts persistence of job records and the per-job directory
// holding the upload and the produced result.
type JobStore interface {
	SaveJob(ctx context.Context, j *Job) error
	LoadJobs(ctx context.Context) ([]*Job, error)
	EnsureJobDir(ctx context.Context, jobID string) (string, error)
}

// fileStore implements JobStore using the local filesystem under dataDir.
type fileStore struct {
	dataDir string
}

func NewFileStore(dataDir string) JobStore { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileStore{dataDir: dataDir}
}

func (s *fileStore) jobDir(jobID string) string {
	return filepath.Join(s.dataDir, "jobs", jobID)
}

func (s *fileStore) statusPath(jobID string) string {
	return filepath.Join(s.jobDir(jobID), "status.json")
}

func (s *fileStore) EnsureJobDir(_ context.Context, jobID string) (string, error) {
	dir := s.jobDir(jobID)
	if err := fileutil.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("ensure job dir: %w", err)
	}
	return dir, nil
}

func (s *fileStore) SaveJob(ctx context.Context, j *Job) error {
	if _, err := s.EnsureJobDir(ctx, j.ID); err != nil {
		return err
	}
	return fileutil.WriteJSONAtomic(s.statusPath(j.ID), j) //nolint:wrapcheck
}

// LoadJobs skips directories whose record is missing or unreadable.
func (s *fileStore) LoadJobs(_ context.Context) ([]*Job, error) {
	root := filepath.Join(s.dataDir, "jobs")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	jobs := make([]*Job, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(s.statusPath(e.Name())) //nolint:gosec // path is controlled by application
		if err != nil {
			continue
		}
		var j Job
		if err := json.Unmarshal(b, &j); err != nil {
			continue
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}
