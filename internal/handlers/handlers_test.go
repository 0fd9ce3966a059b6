package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"media-converter/internal/conversion"
	"media-converter/internal/database"
	"media-converter/internal/progress"
	"media-converter/internal/storage"
	"media-converter/internal/transcoder"
)

type fakeEncoder struct {
	err     error
	version string
}

func (f fakeEncoder) Binary() string   { return "fake-ffmpeg" }
func (f fakeEncoder) Available() error { return f.err }
func (f fakeEncoder) Version(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.version, nil
}

type testEnv struct {
	h       *Handlers
	router  *mux.Router
	db      *database.Database
	store   *storage.Store
	hub     *progress.Hub
	channel *progress.Channel
	orch    *conversion.Orchestrator
}

func newTestEnv(t *testing.T, maxUpload int64, strategies ...transcoder.Strategy) *testEnv {
	t.Helper()

	db, err := database.New(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}

	if len(strategies) == 0 {
		strategies = []transcoder.Strategy{transcoder.NewRawCopy()}
	}

	hub := progress.NewHub(256)
	channel := progress.NewChannel(hub, database.NewRecorder(db))
	orch := conversion.New(store, channel, strategies...)

	h := New(Options{
		DB:             db,
		Store:          store,
		Orchestrator:   orch,
		Publisher:      channel,
		Hub:            hub,
		Encoder:        fakeEncoder{version: "ffmpeg version 7.1"},
		MaxUploadBytes: maxUpload,
	})
	t.Cleanup(func() {
		orch.Wait()
		h.Wait()
	})

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	return &testEnv{h: h, router: router, db: db, store: store, hub: hub, channel: channel, orch: orch}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, fileID, fileName string, content []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if fileID != "" {
		if err := mw.WriteField("fileId", fileID); err != nil {
			t.Fatal(err)
		}
	}
	if fileName != "" {
		part, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := part.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/conversions", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestCreateConversionEndToEnd(t *testing.T) {
	env := newTestEnv(t, 0)
	content := bytes.Repeat([]byte("frame"), 1000)

	rec := env.do(uploadRequest(t, "job-1", "clip.mp4", content))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	resp := decode[ConversionResponse](t, rec)
	if resp.FileID != "job-1" || resp.FileName != "job-1.webm" {
		t.Errorf("response = %+v", resp)
	}
	if resp.FileType != "video/webm" || resp.Size != int64(len(content)) {
		t.Errorf("type/size = %q/%d", resp.FileType, resp.Size)
	}
	if resp.Topic != "conversion/job-1" {
		t.Errorf("topic = %q", resp.Topic)
	}
	if resp.FileDownloadURI != "http://example.com/api/conversions/files/job-1.webm" {
		t.Errorf("download uri = %q", resp.FileDownloadURI)
	}

	env.orch.Wait()

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/conversions/job-1", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status lookup = %d", rec.Code)
	}
	record := decode[database.JobRecord](t, rec)
	if record.Status != progress.StatusComplete || record.Percent != 100 || record.ResultFile != "job-1.webm" {
		t.Errorf("record = %+v", record)
	}
	if record.OriginalName != "clip.mp4" {
		t.Errorf("original name = %q", record.OriginalName)
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/conversions/files/job-1.webm", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("download = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/webm" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename=job-1.webm` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !bytes.Equal(rec.Body.Bytes(), content) {
		t.Error("downloaded output differs from the upload")
	}

	entries, err := os.ReadDir(env.store.UploadsDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("staged input not removed: %d entries", len(entries))
	}
}

func TestCreateConversionGeneratesID(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(uploadRequest(t, "", "clip.mov", []byte("data")))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decode[ConversionResponse](t, rec)
	if _, err := uuid.Parse(resp.FileID); err != nil {
		t.Errorf("generated id %q is not a UUID: %v", resp.FileID, err)
	}
}

func TestCreateConversionRejects(t *testing.T) {
	tests := []struct {
		name      string
		maxUpload int64
		req       func(t *testing.T) *http.Request
		want      int
	}{
		{
			name: "invalid job id",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "../escape", "a.mp4", []byte("x")) },
			want: http.StatusBadRequest,
		},
		{
			name: "missing file",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "job", "", nil) },
			want: http.StatusBadRequest,
		},
		{
			name: "not multipart",
			req: func(*testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/conversions", strings.NewReader("plain"))
			},
			want: http.StatusBadRequest,
		},
		{
			name:      "too large",
			maxUpload: 1024,
			req: func(t *testing.T) *http.Request {
				return uploadRequest(t, "big", "a.mp4", make([]byte, 4096))
			},
			want: http.StatusRequestEntityTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.maxUpload)
			rec := env.do(tt.req(t))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if env.orch.Active() != 0 {
				t.Error("rejected upload started a job")
			}
		})
	}
}

type fixedPressure bool

func (p fixedPressure) UnderPressure() bool { return bool(p) }

func TestCreateConversionUnderMemoryPressure(t *testing.T) {
	env := newTestEnv(t, 0)
	env.h.memory = fixedPressure(true)

	rec := env.do(uploadRequest(t, "job-mem", "a.mp4", []byte("data")))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 (%s)", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if _, err := env.db.GetJob(context.Background(), "job-mem"); !errors.Is(err, database.ErrJobNotFound) {
		t.Errorf("GetJob() error = %v, want ErrJobNotFound", err)
	}

	env.h.memory = fixedPressure(false)
	rec = env.do(uploadRequest(t, "job-mem", "a.mp4", []byte("data")))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status after recovery = %d, want 202", rec.Code)
	}
}

type failingStrategy struct{}

func (failingStrategy) Name() string { return "broken" }
func (failingStrategy) Convert(context.Context, string, string, string, transcoder.EmitFunc) error {
	return errors.New("no space left on device")
}

func TestCreateConversionFailureVisibleInRecord(t *testing.T) {
	env := newTestEnv(t, 0, failingStrategy{})

	rec := env.do(uploadRequest(t, "doomed", "a.mp4", []byte("x")))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload should succeed once staged, got %d", rec.Code)
	}
	env.orch.Wait()

	record, err := env.db.GetJob(context.Background(), "doomed")
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != progress.StatusError {
		t.Errorf("status = %s, want error", record.Status)
	}
	if !strings.Contains(record.Message, "Conversion failed") {
		t.Errorf("message = %q", record.Message)
	}
}

// gatedStrategy holds every conversion until open is closed.
type gatedStrategy struct {
	started chan struct{}
	open    chan struct{}
}

func newGatedStrategy() *gatedStrategy {
	return &gatedStrategy{started: make(chan struct{}, 8), open: make(chan struct{})}
}

func (g *gatedStrategy) Name() string { return "gated" }
func (g *gatedStrategy) Convert(ctx context.Context, _, output, _ string, _ transcoder.EmitFunc) error {
	g.started <- struct{}{}
	select {
	case <-g.open:
	case <-ctx.Done():
		return ctx.Err()
	}
	return os.WriteFile(output, []byte("webm"), 0o644)
}

func TestCreateConversionRejectsRunningID(t *testing.T) {
	gate := newGatedStrategy()
	env := newTestEnv(t, 0, gate)

	if rec := env.do(uploadRequest(t, "busy", "first.mp4", []byte("first"))); rec.Code != http.StatusAccepted {
		t.Fatalf("first upload status = %d, want 202", rec.Code)
	}
	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first conversion never started")
	}

	rec := env.do(uploadRequest(t, "busy", "second.mp4", []byte("second")))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate upload status = %d, want 409", rec.Code)
	}

	record, err := env.db.GetJob(context.Background(), "busy")
	if err != nil {
		t.Fatal(err)
	}
	if record.OriginalName != "first.mp4" {
		t.Errorf("record name = %q; the rejected upload reset it", record.OriginalName)
	}

	close(gate.open)
	env.orch.Wait()

	if rec := env.do(uploadRequest(t, "busy", "third.mp4", []byte("third"))); rec.Code != http.StatusAccepted {
		t.Errorf("upload after completion status = %d, want 202", rec.Code)
	}
	env.orch.Wait()
}

func TestGetConversionNotFound(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/conversions/missing", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestListConversions(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := env.db.RegisterJob(ctx, id, id+".mp4", 1); err != nil {
			t.Fatal(err)
		}
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/conversions?limit=2", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if jobs := decode[[]database.JobRecord](t, rec); len(jobs) != 2 {
		t.Errorf("len = %d, want 2", len(jobs))
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/conversions?limit=zero", http.NoBody))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestListConversionsEmptyIsArray(t *testing.T) {
	env := newTestEnv(t, 0)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/conversions", http.NoBody))
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

func TestDownloadConversion(t *testing.T) {
	env := newTestEnv(t, 0)

	if err := os.WriteFile(filepath.Join(env.store.ConvertedDir(), "notes.txt"), []byte("plain text notes\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		file     string
		want     int
		wantType string
	}{
		{"sniffed type", "notes.txt", http.StatusOK, "text/plain; charset=utf-8"},
		{"missing", "nothing.webm", http.StatusNotFound, ""},
		{"traversal", "../uploads/x", http.StatusBadRequest, ""},
		{"dot dot", "..", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/conversions/files/x", http.NoBody)
			req = mux.SetURLVars(req, map[string]string{"name": tt.file})
			rec := httptest.NewRecorder()
			env.h.DownloadConversion(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.wantType != "" && rec.Header().Get("Content-Type") != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", rec.Header().Get("Content-Type"), tt.wantType)
			}
		})
	}
}

func TestClearConversions(t *testing.T) {
	env := newTestEnv(t, 0)
	ctx := context.Background()

	if err := os.WriteFile(env.store.OutputPath("done"), make([]byte, 300), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := env.db.RegisterJob(ctx, "done", "done.mp4", 300); err != nil {
		t.Fatal(err)
	}
	if err := env.db.RecordEvent(ctx, progress.Event{JobID: "done", Percent: 100, Status: progress.StatusComplete, Message: "ok", ResultFile: "done.webm", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := env.db.RegisterJob(ctx, "waiting", "w.mp4", 1); err != nil {
		t.Fatal(err)
	}

	rec := env.do(httptest.NewRequest(http.MethodPost, "/api/conversions/clear", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Success     bool  `json:"success"`
		FreedBytes  int64 `json:"freedBytes"`
		RemovedJobs int64 `json:"removedJobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.FreedBytes != 300 || resp.RemovedJobs != 1 {
		t.Errorf("response = %+v", resp)
	}

	if _, err := os.Stat(env.store.OutputPath("done")); !os.IsNotExist(err) {
		t.Errorf("output still present: %v", err)
	}
	if _, err := env.db.GetJob(ctx, "waiting"); err != nil {
		t.Errorf("unfinished job removed: %v", err)
	}
	if last, err := env.db.LastClear(ctx); err != nil || last.IsZero() {
		t.Errorf("LastClear = %v, %v", last, err)
	}
}

func TestCheckEncoder(t *testing.T) {
	t.Run("installed", func(t *testing.T) {
		env := newTestEnv(t, 0)

		rec := env.do(httptest.NewRequest(http.MethodGet, "/api/troubleshoot/encoder", http.NoBody))
		status := decode[EncoderStatus](t, rec)
		if !status.Installed || status.Version != "ffmpeg version 7.1" || status.Binary != "fake-ffmpeg" {
			t.Errorf("status = %+v", status)
		}
		if len(status.Strategies) != 1 || status.Strategies[0] != "copy" {
			t.Errorf("strategies = %v", status.Strategies)
		}
	})

	t.Run("missing", func(t *testing.T) {
		env := newTestEnv(t, 0)
		env.h.encoder = fakeEncoder{err: transcoder.ErrEncoderUnavailable}

		rec := env.do(httptest.NewRequest(http.MethodGet, "/api/troubleshoot/encoder", http.NoBody))
		status := decode[EncoderStatus](t, rec)
		if status.Installed || status.Error == "" {
			t.Errorf("status = %+v", status)
		}
	})
}

func TestRequestBaseURL(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
	req.Host = "converter:8080"
	if got := requestBaseURL(req); got != "http://converter:8080" {
		t.Errorf("requestBaseURL() = %q", got)
	}

	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "media.example.org")
	if got := requestBaseURL(req); got != "https://media.example.org" {
		t.Errorf("requestBaseURL() behind proxy = %q", got)
	}

	req.Header.Set("X-Forwarded-Proto", "gopher")
	if got := requestBaseURL(req); got != "http://media.example.org" {
		t.Errorf("requestBaseURL() with bogus proto = %q", got)
	}
}

func TestWriteJSONError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONError(rec, "nope", http.StatusTeapot)

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `"error":"nope"`) {
		t.Errorf("body = %s", body)
	}
}
