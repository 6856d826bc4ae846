package packaging

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/unalkalkan/TwelveNarrator/internal/assembly"
	"github.com/unalkalkan/TwelveNarrator/internal/audio"
	"github.com/unalkalkan/TwelveNarrator/internal/storage"
	"github.com/unalkalkan/TwelveNarrator/internal/streaming"
	"github.com/unalkalkan/TwelveNarrator/internal/util"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

const manifestVersion = "1.0"

// Service stores the assembled track and its timeline, and exports jobs as ZIP archives
type Service struct {
	store   storage.Store
	tempDir string
}

// NewService creates a new packaging service; tempDir is where WAV encoding spills to disk
func NewService(store storage.Store, tempDir string) *Service {
	return &Service{store: store, tempDir: tempDir}
}

// Manifest is the timeline stored next to final.wav
type Manifest struct {
	JobID      string                  `json:"job_id"`
	Title      string                  `json:"title,omitempty"`
	SampleRate int                     `json:"sample_rate"`
	DurationMs int64                   `json:"duration_ms"`
	Segments   []ManifestSegment       `json:"segments"`
	Cues       []assembly.CuePlacement `json:"cues,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	Version    string                  `json:"version"`
}

// ManifestSegment places one segment on the timeline
type ManifestSegment struct {
	Order          int                 `json:"order"`
	Speaker        string              `json:"speaker"`
	Kind           types.SegmentKind   `json:"kind"`
	Status         types.SegmentStatus `json:"status"`
	VoiceProfileID string              `json:"voice_profile_id,omitempty"`
	AudioRef       string              `json:"audio_ref,omitempty"`
	Silence        bool                `json:"silence"`
	StartMs        int64               `json:"start_ms"`
	DurationMs     int64               `json:"duration_ms"`
}

// Package stores final.wav, manifest.json and segments.ndjson for an assembled job and
// returns the result handed back to the caller
func (s *Service) Package(ctx context.Context, job *types.SynthesisJob, res *assembly.Result) (*types.JobResult, error) {
	data, err := audio.EncodeBytes(res.Track, s.tempDir)
	if err != nil {
		return nil, fmt.Errorf("failed to encode final track: %w", err)
	}
	trackRef := util.FinalTrackPath(job.ID)
	if err := storage.PutBytes(ctx, s.store, trackRef, data); err != nil {
		return nil, fmt.Errorf("failed to store final track: %w", err)
	}

	manifest := BuildManifest(job, res)
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	manifestRef := util.ManifestPath(job.ID)
	if err := storage.PutBytes(ctx, s.store, manifestRef, manifestData); err != nil {
		return nil, fmt.Errorf("failed to store manifest: %w", err)
	}

	var ndjson bytes.Buffer
	if err := streaming.WriteNDJSON(&ndjson, streaming.Items(job, -1)); err != nil {
		return nil, err
	}
	if err := storage.PutBytes(ctx, s.store, util.SegmentsPath(job.ID), ndjson.Bytes()); err != nil {
		return nil, fmt.Errorf("failed to store segment export: %w", err)
	}

	result := &types.JobResult{
		JobID:         job.ID,
		FinalAudioRef: trackRef,
		ManifestRef:   manifestRef,
		DurationMs:    res.DurationMs,
		FailedOrders:  job.FailedOrders(),
		FinishedAt:    time.Now(),
	}
	for _, seg := range manifest.Segments {
		outcome := types.SegmentOutcome{
			Order:      seg.Order,
			Speaker:    seg.Speaker,
			Status:     seg.Status,
			AudioRef:   seg.AudioRef,
			StartMs:    seg.StartMs,
			DurationMs: seg.DurationMs,
		}
		if src := findSegment(job, seg.Order); src != nil {
			outcome.Error = src.Error
		}
		result.Segments = append(result.Segments, outcome)
	}
	return result, nil
}

// BuildManifest joins the job's segments with their placements
func BuildManifest(job *types.SynthesisJob, res *assembly.Result) *Manifest {
	m := &Manifest{
		JobID:      job.ID,
		Title:      job.Title,
		SampleRate: res.Track.SampleRate,
		DurationMs: res.DurationMs,
		Cues:       res.Cues,
		CreatedAt:  time.Now(),
		Version:    manifestVersion,
	}
	for _, p := range res.Placements {
		entry := ManifestSegment{
			Order:      p.Order,
			Status:     p.Status,
			Silence:    p.Silence,
			StartMs:    p.StartMs,
			DurationMs: p.DurationMs,
		}
		if seg := findSegment(job, p.Order); seg != nil {
			entry.Speaker = seg.Speaker
			entry.Kind = seg.Kind
			entry.VoiceProfileID = seg.VoiceProfileID
			if !p.Silence {
				entry.AudioRef = seg.AudioRef
			}
		}
		m.Segments = append(m.Segments, entry)
	}
	return m
}

func findSegment(job *types.SynthesisJob, order int) *types.Segment {
	if order >= 0 && order < len(job.Segments) && job.Segments[order].Order == order {
		return &job.Segments[order]
	}
	for i := range job.Segments {
		if job.Segments[i].Order == order {
			return &job.Segments[i]
		}
	}
	return nil
}

// Export creates a ZIP archive with the manifest, final track, segment
// status export and every stored clip of the job
func (s *Service) Export(ctx context.Context, job *types.SynthesisJob) (io.Reader, error) {
	buf := new(bytes.Buffer)
	zipWriter := zip.NewWriter(buf)

	for _, ref := range []string{util.ManifestPath(job.ID), util.FinalTrackPath(job.ID)} {
		if err := s.addStoredFile(ctx, zipWriter, path.Base(ref), ref); err != nil {
			return nil, err
		}
	}

	var ndjson bytes.Buffer
	if err := streaming.WriteNDJSON(&ndjson, streaming.Items(job, -1)); err != nil {
		return nil, err
	}
	if err := s.addFileFromReader(zipWriter, "segments.ndjson", &ndjson); err != nil {
		return nil, fmt.Errorf("failed to add segments: %w", err)
	}

	for _, seg := range job.Segments {
		if seg.Status != types.SegmentCompleted || seg.AudioRef == "" {
			continue
		}
		if err := s.addStoredFile(ctx, zipWriter, path.Join("clips", path.Base(seg.AudioRef)), seg.AudioRef); err != nil {
			return nil, err
		}
	}

	if err := zipWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zip: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), nil
}

func (s *Service) addStoredFile(ctx context.Context, zipWriter *zip.Writer, name, ref string) error {
	reader, err := s.store.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", ref, err)
	}
	defer reader.Close()

	if err := s.addFileFromReader(zipWriter, name, reader); err != nil {
		return fmt.Errorf("failed to add %s: %w", ref, err)
	}
	return nil
}

// addFileFromReader adds a file from an io.Reader to the ZIP
func (s *Service) addFileFromReader(zipWriter *zip.Writer, name string, reader io.Reader) error {
	writer, err := zipWriter.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create zip entry: %w", err)
	}
	if _, err := io.Copy(writer, reader); err != nil {
		return fmt.Errorf("failed to copy data: %w", err)
	}
	return nil
}
