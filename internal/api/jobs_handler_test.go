package api

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unalkalkan/TwelveNarrator/internal/assembly"
	"github.com/unalkalkan/TwelveNarrator/internal/job"
	"github.com/unalkalkan/TwelveNarrator/internal/packaging"
	"github.com/unalkalkan/TwelveNarrator/internal/pipeline"
	"github.com/unalkalkan/TwelveNarrator/internal/progress"
	"github.com/unalkalkan/TwelveNarrator/internal/provider"
	"github.com/unalkalkan/TwelveNarrator/internal/segmentation"
	"github.com/unalkalkan/TwelveNarrator/internal/storage"
	"github.com/unalkalkan/TwelveNarrator/internal/streaming"
	"github.com/unalkalkan/TwelveNarrator/internal/tts"
	"github.com/unalkalkan/TwelveNarrator/internal/voice"
	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

const chapter = `A说："你好。"他笑了笑。`

func newJobsServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	for _, path := range []string{"voices/v1/ref.wav", "voices/v1/latent.npy"} {
		if err := storage.PutBytes(ctx, store, path, []byte("x")); err != nil {
			t.Fatalf("Failed to store %s: %v", path, err)
		}
	}
	catalog, err := voice.NewMemoryCatalog([]types.VoiceProfile{
		{ID: "voice_1", ReferenceAudioRef: "voices/v1/ref.wav", ReferenceFeatureRef: "voices/v1/latent.npy"},
	})
	if err != nil {
		t.Fatalf("Failed to create catalog: %v", err)
	}

	tracker := progress.NewTracker()
	hub := progress.NewHub(tracker)
	if err := tracker.AddPublisher(hub); err != nil {
		t.Fatalf("Failed to add hub: %v", err)
	}
	jobs := job.NewRepository(store)
	packager := packaging.NewService(store, t.TempDir())

	p := pipeline.New(pipeline.Deps{
		Extractor: segmentation.NewService(),
		Resolver:  voice.NewResolver(catalog, store),
		Dispatcher: tts.NewDispatcher(provider.NewStubTTSProvider(types.TTSProviderConfig{Name: "stub"}), catalog, store, tts.Options{
			RetryBackoff: time.Millisecond,
		}),
		Tracker:   tracker,
		Assembler: assembly.NewAssembler(store, assembly.Options{SampleRate: 24000, GapSilenceMs: 3000}),
		Packager:  packager,
		Jobs:      jobs,
	})

	h := NewJobsHandler(p, jobs, packager, store, hub)
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs", h.Jobs)
	mux.HandleFunc("/api/v1/jobs/", h.Route)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		p.Close()
		tracker.Close()
	})
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func getURL(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	return resp
}

func submit(t *testing.T, srv *httptest.Server, req SubmitJobRequest) pipeline.Submission {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/v1/jobs", req)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 201, got %d: %s", resp.StatusCode, body)
	}
	var sub pipeline.Submission
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		t.Fatalf("Failed to decode submission: %v", err)
	}
	return sub
}

func waitSettled(t *testing.T, srv *httptest.Server, jobID string) types.ProgressSnapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := getURL(t, srv.URL+jobsPrefix+jobID+"/progress")
		var snap types.ProgressSnapshot
		err := json.NewDecoder(resp.Body).Decode(&snap)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("Failed to decode snapshot: %v", err)
		}
		if snap.Status.Terminal() {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("Job %s did not settle, last status %s", jobID, snap.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJobsHandler_SubmitMapAndRun(t *testing.T) {
	srv := newJobsServer(t)

	sub := submit(t, srv, SubmitJobRequest{Title: "Chapter 1", Text: chapter, Mapping: map[string]string{"A": "voice_1"}})
	if len(sub.Job.Segments) != 2 {
		t.Fatalf("Expected 2 segments, got %d", len(sub.Job.Segments))
	}
	if len(sub.Unresolved) != 1 || sub.Unresolved[0] != "narration" {
		t.Errorf("Expected narration unresolved, got %v", sub.Unresolved)
	}
	if len(sub.Speakers) != 2 {
		t.Errorf("Expected 2 discovered speakers, got %+v", sub.Speakers)
	}
	jobURL := srv.URL + jobsPrefix + sub.Job.ID

	resp := postJSON(t, jobURL+"/mapping", map[string]interface{}{
		"speaker_mapping": map[string]string{"narration": "voice_1"},
	})
	var mapped struct {
		Unresolved []string `json:"unresolved_speakers"`
	}
	json.NewDecoder(resp.Body).Decode(&mapped)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(mapped.Unresolved) != 0 {
		t.Fatalf("Expected mapping to resolve everything, got %d %v", resp.StatusCode, mapped.Unresolved)
	}

	resp = postJSON(t, jobURL+"/start", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}

	snap := waitSettled(t, srv, sub.Job.ID)
	if snap.Status != types.JobCompleted || snap.Percentage != 100 {
		t.Fatalf("Expected completed snapshot, got %+v", snap)
	}

	resp = getURL(t, jobURL+"/result")
	var res types.JobResult
	json.NewDecoder(resp.Body).Decode(&res)
	resp.Body.Close()
	want := provider.StubClipMs("你好。") + provider.StubClipMs("他笑了笑。")
	if res.Status != types.JobCompleted || res.DurationMs != want {
		t.Errorf("Expected completed result of %dms, got %s %dms", want, res.Status, res.DurationMs)
	}

	resp = getURL(t, jobURL+"/audio")
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "audio/wav" || !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Errorf("Expected final WAV, got %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	resp = getURL(t, jobURL+"/segments/1/audio")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected segment audio, got %d", resp.StatusCode)
	}
}

func TestJobsHandler_StreamSegments(t *testing.T) {
	srv := newJobsServer(t)
	sub := submit(t, srv, SubmitJobRequest{
		Text:          chapter,
		Mapping:       map[string]string{"A": "voice_1"},
		FallbackVoice: "voice_1",
		Start:         true,
	})
	waitSettled(t, srv, sub.Job.ID)

	resp := getURL(t, srv.URL+jobsPrefix+sub.Job.ID+"/segments")
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Expected NDJSON, got %s", ct)
	}

	var items []streaming.StreamItem
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var item streaming.StreamItem
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			t.Fatalf("Invalid NDJSON line %q: %v", scanner.Text(), err)
		}
		items = append(items, item)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(items))
	}
	for i, item := range items {
		if item.Order != i || item.Status != types.SegmentCompleted {
			t.Errorf("Line %d: unexpected item %+v", i, item)
		}
		if item.AudioURL != streaming.AudioURL(sub.Job.ID, i) {
			t.Errorf("Line %d: unexpected audio url %q", i, item.AudioURL)
		}
	}

	resp2 := getURL(t, srv.URL+jobsPrefix+sub.Job.ID+"/segments?after=0")
	body, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	if lines := strings.Count(strings.TrimSpace(string(body)), "\n") + 1; lines != 1 {
		t.Errorf("Expected 1 line after order 0, got %d", lines)
	}
}

func TestJobsHandler_Download(t *testing.T) {
	srv := newJobsServer(t)
	sub := submit(t, srv, SubmitJobRequest{
		Title:         "Chapter One",
		Text:          chapter,
		FallbackVoice: "voice_1",
		Start:         true,
	})
	waitSettled(t, srv, sub.Job.ID)

	resp := getURL(t, srv.URL+jobsPrefix+sub.Job.ID+"/download")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "Chapter_One.zip") {
		t.Errorf("Unexpected Content-Disposition %q", cd)
	}

	data, _ := io.ReadAll(resp.Body)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Invalid zip: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, name := range []string{"manifest.json", "final.wav", "segments.ndjson"} {
		if !names[name] {
			t.Errorf("Archive is missing %s", name)
		}
	}
}

func TestJobsHandler_Progress(t *testing.T) {
	srv := newJobsServer(t)
	sub := submit(t, srv, SubmitJobRequest{Text: chapter, FallbackVoice: "voice_1"})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + jobsPrefix + sub.Job.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg progress.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if msg.Type != "progress" || msg.Data == nil || msg.Data.JobID != sub.Job.ID || msg.Data.Status != types.JobCreated {
		t.Fatalf("Unexpected first message: %+v", msg)
	}

	resp := postJSON(t, srv.URL+jobsPrefix+sub.Job.ID+"/start", nil)
	resp.Body.Close()
	for {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Failed to read progress: %v", err)
		}
		if msg.Data != nil && msg.Data.Status == types.JobCompleted {
			break
		}
	}
}

func TestJobsHandler_Errors(t *testing.T) {
	srv := newJobsServer(t)
	sub := submit(t, srv, SubmitJobRequest{Text: chapter})
	jobURL := srv.URL + jobsPrefix + sub.Job.ID

	tests := []struct {
		name   string
		method string
		url    string
		body   string
		want   int
	}{
		{"unknown job", http.MethodGet, srv.URL + jobsPrefix + "missing", "", http.StatusNotFound},
		{"unknown job progress", http.MethodGet, srv.URL + jobsPrefix + "missing/progress", "", http.StatusNotFound},
		{"bad body", http.MethodPost, srv.URL + "/api/v1/jobs", "{", http.StatusBadRequest},
		{"empty text", http.MethodPost, srv.URL + "/api/v1/jobs", `{"text":"  "}`, http.StatusBadRequest},
		{"bad mapping", http.MethodPost, srv.URL + "/api/v1/jobs", `{"text":"hi","speaker_mapping":{"A":""}}`, http.StatusBadRequest},
		{"cancel idle job", http.MethodPost, jobURL + "/cancel", "", http.StatusConflict},
		{"no result yet", http.MethodGet, jobURL + "/result", "", http.StatusConflict},
		{"no audio yet", http.MethodGet, jobURL + "/segments/0/audio", "", http.StatusNotFound},
		{"bad order", http.MethodGet, jobURL + "/segments/x/audio", "", http.StatusBadRequest},
		{"bad after", http.MethodGet, jobURL + "/segments?after=x", "", http.StatusBadRequest},
		{"unknown action", http.MethodPost, jobURL + "/explode", "", http.StatusNotFound},
		{"wrong method", http.MethodGet, jobURL + "/start", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("Failed to build request: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestSplitJobPath(t *testing.T) {
	tests := []struct {
		path string
		id   string
		rest []string
	}{
		{"/api/v1/jobs/abc", "abc", []string{}},
		{"/api/v1/jobs/abc/", "abc", []string{}},
		{"/api/v1/jobs/abc/segments/3/audio", "abc", []string{"segments", "3", "audio"}},
		{"/api/v1/jobs/", "", nil},
		{"/api/v1/voices", "", nil},
	}
	for _, tt := range tests {
		id, rest := splitJobPath(tt.path)
		if id != tt.id || len(rest) != len(tt.rest) {
			t.Errorf("splitJobPath(%q) = %q %v, want %q %v", tt.path, id, rest, tt.id, tt.rest)
			continue
		}
		for i := range rest {
			if rest[i] != tt.rest[i] {
				t.Errorf("splitJobPath(%q) = %v, want %v", tt.path, rest, tt.rest)
			}
		}
	}
}
