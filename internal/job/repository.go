package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/unalkalkan/TwelveNarrator/internal/storage"
	"github.com/unalkalkan/TwelveNarrator/internal/util"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// ErrNotFound is returned when no record is stored for a job
var ErrNotFound = errors.New("job: not found")

// Repository persists job records and results
type Repository interface {
	// SaveJob stores the job with its segments
	SaveJob(ctx context.Context, job *types.SynthesisJob) error

	// GetJob retrieves a job by ID
	GetJob(ctx context.Context, jobID string) (*types.SynthesisJob, error)

	// ListJobs returns all stored jobs, oldest first
	ListJobs(ctx context.Context) ([]*types.SynthesisJob, error)

	// SaveResult stores the outcome of a finished run
	SaveResult(ctx context.Context, result *types.JobResult) error

	// GetResult retrieves the last result of a job
	GetResult(ctx context.Context, jobID string) (*types.JobResult, error)
}

// StorageRepository implements Repository as JSON documents in a Store
type StorageRepository struct {
	store storage.Store
}

// NewRepository creates a new job repository
func NewRepository(store storage.Store) *StorageRepository {
	return &StorageRepository{store: store}
}

func (r *StorageRepository) SaveJob(ctx context.Context, job *types.SynthesisJob) error {
	if job.ID == "" {
		return fmt.Errorf("job has no id")
	}
	return r.putJSON(ctx, util.JobPath(job.ID), job)
}

func (r *StorageRepository) GetJob(ctx context.Context, jobID string) (*types.SynthesisJob, error) {
	var job types.SynthesisJob
	if err := r.getJSON(ctx, util.JobPath(jobID), &job); err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return &job, nil
}

// ListJobs skips records that cannot be read
func (r *StorageRepository) ListJobs(ctx context.Context) ([]*types.SynthesisJob, error) {
	paths, err := r.store.List(ctx, "jobs/")
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*types.SynthesisJob, 0)
	for _, p := range paths {
		if path.Base(p) != "job.json" {
			continue
		}
		var job types.SynthesisJob
		if err := r.getJSON(ctx, p, &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}

	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (r *StorageRepository) SaveResult(ctx context.Context, result *types.JobResult) error {
	if result.JobID == "" {
		return fmt.Errorf("result has no job id")
	}
	return r.putJSON(ctx, util.ResultPath(result.JobID), result)
}

func (r *StorageRepository) GetResult(ctx context.Context, jobID string) (*types.JobResult, error) {
	var result types.JobResult
	if err := r.getJSON(ctx, util.ResultPath(jobID), &result); err != nil {
		return nil, fmt.Errorf("failed to get result %s: %w", jobID, err)
	}
	return &result, nil
}

func (r *StorageRepository) putJSON(ctx context.Context, p string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", p, err)
	}
	return storage.PutBytes(ctx, r.store, p, data)
}

func (r *StorageRepository) getJSON(ctx context.Context, p string, v any) error {
	data, err := storage.ReadAll(ctx, r.store, p)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", p, err)
	}
	return nil
}
