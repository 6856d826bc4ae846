package util

import (
	"fmt"
	"path"
)

// JobPath returns the storage path for a job record
func JobPath(jobID string) string {
	return path.Join("jobs", jobID, "job.json")
}

// ClipPath returns the storage path for a segment's synthesized clip
func ClipPath(jobID string, order int, format string) string {
	return path.Join("jobs", jobID, "clips", fmt.Sprintf("%05d.%s", order, format))
}

// CuePath returns the storage path for a generated environment sound
func CuePath(jobID string, index int, format string) string {
	return path.Join("jobs", jobID, "environment", fmt.Sprintf("cue_%03d.%s", index, format))
}

// FinalTrackPath returns the storage path for the assembled chapter track
func FinalTrackPath(jobID string) string {
	return path.Join("jobs", jobID, "final.wav")
}

// ManifestPath returns the storage path for the timeline manifest
func ManifestPath(jobID string) string {
	return path.Join("jobs", jobID, "manifest.json")
}

// ResultPath returns the storage path for a job's result record
func ResultPath(jobID string) string {
	return path.Join("results", jobID+".json")
}

// SegmentsPath returns the storage path for the NDJSON status export
func SegmentsPath(jobID string) string {
	return path.Join("jobs", jobID, "segments.ndjson")
}

// AudioFormats lists the clip formats the assembler can decode
func AudioFormats() []string {
	return []string{"wav"}
}
