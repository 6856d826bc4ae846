package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/unalkalkan/TwelveNarrator/internal/job"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// Service exports per-segment statuses for the persistence layer
type Service struct {
	jobs job.Repository
}

// NewService creates a new streaming service
func NewService(jobs job.Repository) *Service {
	return &Service{jobs: jobs}
}

// StreamItem represents a single line in the NDJSON export
type StreamItem struct {
	types.Segment
	AudioURL string `json:"audio_url,omitempty"`
}

// StreamSegments returns the job's segments in order, starting after
// afterOrder; pass -1 for all of them
func (s *Service) StreamSegments(ctx context.Context, jobID string, afterOrder int) ([]StreamItem, error) {
	j, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return Items(j, afterOrder), nil
}

// Items builds stream items from a job snapshot
func Items(j *types.SynthesisJob, afterOrder int) []StreamItem {
	segments := make([]types.Segment, len(j.Segments))
	copy(segments, j.Segments)
	sort.SliceStable(segments, func(a, b int) bool { return segments[a].Order < segments[b].Order })

	items := make([]StreamItem, 0, len(segments))
	for _, seg := range segments {
		if seg.Order <= afterOrder {
			continue
		}
		item := StreamItem{Segment: seg}
		if seg.Status == types.SegmentCompleted && seg.AudioRef != "" {
			item.AudioURL = AudioURL(j.ID, seg.Order)
		}
		items = append(items, item)
	}
	return items
}

// AudioURL is the API path serving a segment clip
func AudioURL(jobID string, order int) string {
	return fmt.Sprintf("/api/v1/jobs/%s/segments/%d/audio", jobID, order)
}

// WriteNDJSON writes one JSON object per line
func WriteNDJSON(w io.Writer, items []StreamItem) error {
	enc := json.NewEncoder(w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
	}
	return nil
}

// EncodeNDJSON encodes stream items as NDJSON
func EncodeNDJSON(items []StreamItem) (string, error) {
	var b strings.Builder
	if err := WriteNDJSON(&b, items); err != nil {
		return "", err
	}
	return b.String(), nil
}
