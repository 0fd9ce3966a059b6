package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

type countingObserver struct {
	ops      map[string]int
	attempts int
	success  int
	failures int
	stale    int
}

func (o *countingObserver) ObserveOperation(op string, _ float64, _ error) {
	if o.ops == nil {
		o.ops = map[string]int{}
	}
	o.ops[op]++
}
func (o *countingObserver) ObserveRetryAttempt(string) { o.attempts++ }
func (o *countingObserver) ObserveRetrySuccess(string) { o.success++ }
func (o *countingObserver) ObserveRetryFailure(string) { o.failures++ }
func (o *countingObserver) ObserveStaleError(string) { o.stale++ }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s.SetRetryConfig(RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	return s
}

func TestNewCreatesDirectories(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for _, d := range []string{s.UploadsDir(), s.ConvertedDir()} {
		info, err := os.Stat(d)
		if err != nil || !info.IsDir() {
			t.Errorf("directory %s not created: %v", d, err)
		}
	}
	if s.UploadsDir() != filepath.Join(dir, "uploads") || s.ConvertedDir() != filepath.Join(dir, "converted") {
		t.Errorf("unexpected layout: %s, %s", s.UploadsDir(), s.ConvertedDir())
	}
}

func TestOutputNaming(t *testing.T) {
	s := newTestStore(t)
	if OutputName("abc") != "abc.webm" {
		t.Errorf("OutputName() = %q", OutputName("abc"))
	}
	if s.OutputPath("abc") != filepath.Join(s.ConvertedDir(), "abc.webm") {
		t.Errorf("OutputPath() = %q", s.OutputPath("abc"))
	}
}

func TestStagingExt(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"movie.MP4", ".mp4"},
		{"clip.mov", ".mov"},
		{"noext", ".bin"},
		{"../../etc/passwd", ".bin"},
		{"trailing.", ".bin"},
		{"weird.averyveryverylongext", ".bin"},
		{"", ".bin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stagingExt(tt.name); got != tt.want {
				t.Errorf("stagingExt(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestStage(t *testing.T) {
	s := newTestStore(t)

	path, n, err := s.Stage("job-1", "holiday.mp4", strings.NewReader("video bytes"))
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if path != filepath.Join(s.UploadsDir(), "job-1.mp4") {
		t.Errorf("Stage() path = %q", path)
	}
	if n != int64(len("video bytes")) {
		t.Errorf("Stage() n = %d", n)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "video bytes" {
		t.Errorf("staged content = %q, %v", data, err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("client went away") }

func TestStageRemovesPartialFile(t *testing.T) {
	s := newTestStore(t)

	if _, _, err := s.Stage("job-2", "a.mp4", failingReader{}); err == nil {
		t.Fatal("Stage() succeeded with a failing reader")
	}
	if _, err := os.Stat(filepath.Join(s.UploadsDir(), "job-2.mp4")); !os.IsNotExist(err) {
		t.Errorf("partial upload left behind: %v", err)
	}
}

func TestResolveOutput(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name    string
		wantErr bool
	}{
		{"job.webm", false},
		{"", true},
		{".", true},
		{"..", true},
		{"../secret", true},
		{"sub/job.webm", true},
		{`..\job.webm`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := s.ResolveOutput(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveOutput(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidName) {
				t.Errorf("error = %v, want ErrInvalidName", err)
			}
			if !tt.wantErr && filepath.Dir(path) != s.ConvertedDir() {
				t.Errorf("path %q escapes %q", path, s.ConvertedDir())
			}
		})
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	path, _, err := s.Stage("job", "a.mp4", strings.NewReader("x"))
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Remove(path); err != nil {
		t.Fatalf("first Remove() error = %v", err)
	}
	if err := s.Remove(path); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestOutputSizeAndOpen(t *testing.T) {
	s := newTestStore(t)
	out := s.OutputPath("job")
	if err := os.WriteFile(out, []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}

	size, err := s.OutputSize(out)
	if err != nil || size != 5 {
		t.Errorf("OutputSize() = %d, %v", size, err)
	}

	f, err := s.Open(out)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = f.Close()

	if _, err := s.OutputSize(s.OutputPath("missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("OutputSize(missing) error = %v", err)
	}
}

func TestClearOutputs(t *testing.T) {
	s := newTestStore(t)
	for i, body := range []string{"aaaa", "bbbbbb"} {
		if err := os.WriteFile(s.OutputPath(string(rune('a'+i))), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	sub := filepath.Join(s.ConvertedDir(), "nested")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "f"), []byte("cc"), 0o644); err != nil {
		t.Fatal(err)
	}

	freed, err := s.ClearOutputs()
	if err != nil {
		t.Fatalf("ClearOutputs() error = %v", err)
	}
	if freed != 12 {
		t.Errorf("freed = %d, want 12", freed)
	}

	entries, _ := os.ReadDir(s.ConvertedDir())
	if len(entries) != 0 {
		t.Errorf("%d entries left after clear", len(entries))
	}
}

func TestWithRetryOnStaleHandle(t *testing.T) {
	obs := &countingObserver{}
	SetObserver(obs)
	t.Cleanup(func() { SetObserver(nil) })

	s := newTestStore(t)
	calls := 0
	err := s.withRetry("stat", "/nfs/file", func() error {
		calls++
		if calls < 3 {
			return &os.PathError{Op: "stat", Path: "/nfs/file", Err: syscall.ESTALE}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("withRetry() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if obs.stale != 2 || obs.attempts != 2 || obs.success != 1 {
		t.Errorf("observer = %+v", obs)
	}
}

func TestWithRetryGivesUp(t *testing.T) {
	obs := &countingObserver{}
	SetObserver(obs)
	t.Cleanup(func() { SetObserver(nil) })

	s := newTestStore(t)
	calls := 0
	err := s.withRetry("open", "/nfs/file", func() error {
		calls++
		return syscall.ESTALE
	})

	if !errors.Is(err, syscall.ESTALE) {
		t.Fatalf("withRetry() error = %v, want ESTALE", err)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}
	if obs.failures != 1 {
		t.Errorf("failures = %d, want 1", obs.failures)
	}
}

func TestWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	s := newTestStore(t)
	calls := 0
	err := s.withRetry("open", "/file", func() error {
		calls++
		return os.ErrPermission
	})
	if !errors.Is(err, os.ErrPermission) || calls != 1 {
		t.Errorf("withRetry() = %v after %d calls", err, calls)
	}
}
