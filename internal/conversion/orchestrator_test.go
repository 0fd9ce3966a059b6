package conversion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"media-converter/internal/progress"
	"media-converter/internal/storage"
	"media-converter/internal/transcoder"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingPublisher) Publish(jobID string, percent int, status progress.Status, message, resultFile string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, progress.Event{
		JobID: jobID, Percent: percent, Status: status, Message: message, ResultFile: resultFile, Timestamp: time.Now(),
	})
}

func (r *recordingPublisher) forJob(jobID string) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, ev := range r.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out
}

type fakeStrategy struct {
	name     string
	percents []int
	err      error
	output   string
	block    bool
	panicMsg string

	calls   atomic.Int32
	started chan struct{}
	once    sync.Once
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Convert(ctx context.Context, _, output, _ string, emit transcoder.EmitFunc) error {
	f.calls.Add(1)
	for _, p := range f.percents {
		emit(p, fmt.Sprintf("%s at %d", f.name, p))
	}
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	if f.output != "" {
		return os.WriteFile(output, []byte(f.output), 0o644)
	}
	return nil
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	return s
}

func terminalEvents(events []progress.Event) []progress.Event {
	var out []progress.Event
	for _, ev := range events {
		if ev.Status.IsTerminal() {
			out = append(out, ev)
		}
	}
	return out
}

func assertSingleTerminalLast(t *testing.T, events []progress.Event) progress.Event {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events published")
	}
	terminal := terminalEvents(events)
	if len(terminal) != 1 {
		t.Fatalf("got %d terminal events, want 1: %+v", len(terminal), events)
	}
	last := events[len(events)-1]
	if !last.Status.IsTerminal() {
		t.Fatalf("last event %+v is not terminal", last)
	}
	for _, ev := range events {
		if ev.Percent < 0 || ev.Percent > 100 {
			t.Errorf("percent %d out of range", ev.Percent)
		}
	}
	return last
}

func TestResolveJobID(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"abc-123_DEF", false},
		{strings.Repeat("a", 128), false},
		{strings.Repeat("a", 129), true},
		{"../etc", true},
		{"with space", true},
		{"dot.name", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			id, err := ResolveJobID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveJobID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidJobID) {
				t.Errorf("error = %v, want ErrInvalidJobID", err)
			}
			if !tt.wantErr && id != tt.in {
				t.Errorf("id = %q, want %q", id, tt.in)
			}
		})
	}

	id, err := ResolveJobID("")
	if err != nil || len(id) != 36 {
		t.Errorf("ResolveJobID(\"\") = %q, %v; want a UUID", id, err)
	}
}

func TestConvertPrimarySuccess(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{}
	primary := &fakeStrategy{name: "ffmpeg", percents: []int{5, 47, 90}, output: "webm"}
	secondary := &fakeStrategy{name: "library", output: "webm"}
	tertiary := &fakeStrategy{name: "copy", output: "webm"}
	o := New(store, pub, primary, secondary, tertiary)

	name, err := o.Convert(context.Background(), strings.NewReader("input"), "clip.mp4", "job-1")
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if name != "job-1.webm" {
		t.Errorf("output name = %q", name)
	}
	if secondary.calls.Load() != 0 || tertiary.calls.Load() != 0 {
		t.Error("fallback strategies ran after primary success")
	}

	events := pub.forJob("job-1")
	last := assertSingleTerminalLast(t, events)
	if last.Status != progress.StatusComplete || last.Percent != 100 || last.ResultFile != "job-1.webm" {
		t.Errorf("terminal event = %+v", last)
	}
	if events[0].Percent != 0 || events[0].Message != "Starting conversion" {
		t.Errorf("first event = %+v", events[0])
	}
	for _, ev := range events {
		if strings.Contains(ev.Message, "library") || strings.Contains(ev.Message, "copy") {
			t.Errorf("unexpected fallback event %+v", ev)
		}
	}
}

func TestConvertFallsBackToSecondary(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{}
	primary := &fakeStrategy{name: "ffmpeg", percents: []int{5}, err: errors.New("exit code 1")}
	secondary := &fakeStrategy{name: "library", percents: []int{40, 65, 90}, output: "webm"}
	tertiary := &fakeStrategy{name: "copy", output: "webm"}
	o := New(store, pub, primary, secondary, tertiary)

	if _, err := o.Convert(context.Background(), strings.NewReader("input"), "clip.mp4", "job-2"); err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if tertiary.calls.Load() != 0 {
		t.Error("raw copy ran after secondary success")
	}

	events := pub.forJob("job-2")
	last := assertSingleTerminalLast(t, events)
	if last.Status != progress.StatusComplete {
		t.Errorf("terminal = %+v", last)
	}

	var sawFailure bool
	for _, ev := range events {
		if strings.Contains(ev.Message, "ffmpeg conversion failed: exit code 1. Trying library") {
			sawFailure = true
			if ev.Status != progress.StatusProcessing {
				t.Errorf("failure event status = %s", ev.Status)
			}
		}
	}
	if !sawFailure {
		t.Errorf("no failure event in %+v", events)
	}
}

func TestConvertRawCopyFallback(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{}
	primary := &fakeStrategy{name: "ffmpeg", err: transcoder.ErrEncoderUnavailable}
	secondary := &fakeStrategy{name: "library", err: errors.New("decode failed")}
	o := New(store, pub, primary, secondary, transcoder.NewRawCopy())

	content := "not really a video \x00\x01\x02"
	name, err := o.Convert(context.Background(), strings.NewReader(content), "clip.avi", "job-3")
	if err != nil {
		t.Fatalf("Convert() error = %v", err)
	}

	data, err := os.ReadFile(store.OutputPath("job-3"))
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if string(data) != content {
		t.Error("raw copy output is not byte-identical to input")
	}
	if name != "job-3.webm" {
		t.Errorf("name = %q", name)
	}

	events := pub.forJob("job-3")
	assertSingleTerminalLast(t, events)
	var sawCopy bool
	for _, ev := range events {
		if ev.Message == "Fallback copy completed" && ev.Percent == 90 {
			sawCopy = true
		}
	}
	if !sawCopy {
		t.Errorf("no fallback copy event in %+v", events)
	}
}

func TestConvertAllStrategiesFail(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{}
	o := New(store, pub,
		&fakeStrategy{name: "ffmpeg", percents: []int{5, 30}, err: errors.New("boom")},
		&fakeStrategy{name: "copy", err: errors.New("disk full")},
	)

	_, err := o.Convert(context.Background(), strings.NewReader("input"), "clip.mp4", "job-4")
	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("Convert() error = %v, want ErrConversionFailed", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("error %q does not carry the last failure", err)
	}

	last := assertSingleTerminalLast(t, pub.forJob("job-4"))
	if last.Status != progress.StatusError {
		t.Fatalf("terminal = %+v", last)
	}
	if last.Percent != 30 {
		t.Errorf("error percent = %d, want last reported 30", last.Percent)
	}
	if !strings.Contains(last.Message, "disk full") {
		t.Errorf("error message = %q", last.Message)
	}
}

func TestConvertEmptyOutputIsFailure(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{}
	primary := &fakeStrategy{name: "ffmpeg"} // succeeds without writing
	secondary := &fakeStrategy{name: "library", output: "webm"}
	o := New(store, pub, primary, secondary)

	if _, err := o.Convert(context.Background(), strings.NewReader("input"), "clip.mp4", "job-5"); err != nil {
		t.Fatalf("Convert() error = %v", err)
	}
	if secondary.calls.Load() != 1 {
		t.Error("secondary did not run after primary left no output")
	}
}

func TestConvertClampsStrategyPercents(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{}
	o := New(store, pub, &fakeStrategy{name: "ffmpeg", percents: []int{-10, 150}, output: "x"})

	if _, err := o.Convert(context.Background(), strings.NewReader("input"), "clip.mp4", "job-6"); err != nil {
		t.Fatal(err)
	}
	for _, ev := range pub.forJob("job-6") {
		if ev.Percent < 0 || ev.Percent > 100 {
			t.Errorf("percent %d escaped clamping", ev.Percent)
		}
		if !ev.Status.IsTerminal() && ev.Status != progress.StatusProcessing {
			t.Errorf("strategy produced status %s", ev.Status)
		}
	}
}

func TestConvertRemovesInputKeepsOutput(t *testing.T) {
	for _, fail := range []bool{false, true} {
		t.Run(fmt.Sprintf("fail=%v", fail), func(t *testing.T) {
			store := newStore(t)
			s := &fakeStrategy{name: "ffmpeg", output: "webm"}
			if fail {
				s = &fakeStrategy{name: "ffmpeg", err: errors.New("nope")}
			}
			o := New(store, &recordingPublisher{}, s)

			_, _ = o.Convert(context.Background(), strings.NewReader("input"), "clip.mp4", "job-7")

			entries, err := os.ReadDir(store.UploadsDir())
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 0 {
				t.Errorf("staged input not removed: %d entries", len(entries))
			}
			if !fail {
				if _, err := os.Stat(store.OutputPath("job-7")); err != nil {
					t.Errorf("output removed with input: %v", err)
				}
			}
		})
	}
}

func TestConvertInvalidJobID(t *testing.T) {
	pub := &recordingPublisher{}
	o := New(newStore(t), pub, &fakeStrategy{name: "ffmpeg", output: "x"})

	_, err := o.Convert(context.Background(), strings.NewReader("input"), "clip.mp4", "../../etc/passwd")
	if !errors.Is(err, ErrInvalidJobID) {
		t.Fatalf("Convert() error = %v, want ErrInvalidJobID", err)
	}
	if len(pub.events) != 0 {
		t.Errorf("events published for invalid id: %+v", pub.events)
	}
}

type failingStore struct {
	*storage.Store
}

func (failingStore) Stage(string, string, io.Reader) (string, int64, error) {
	return "", 0, errors.New("no space left on device")
}

func TestConvertStagingFailure(t *testing.T) {
	pub := &recordingPublisher{}
	s := &fakeStrategy{name: "ffmpeg", output: "x"}
	o := New(failingStore{newStore(t)}, pub, s)

	_, err := o.Convert(context.Background(), strings.NewReader("input"), "clip.mp4", "job-8")
	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("Convert() error = %v, want ErrConversionFailed", err)
	}
	if s.calls.Load() != 0 {
		t.Error("strategy ran without a staged input")
	}
	last := assertSingleTerminalLast(t, pub.forJob("job-8"))
	if last.Status != progress.StatusError || last.Percent != 0 {
		t.Errorf("terminal = %+v", last)
	}
}

func TestStartRunsDetached(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{}
	o := New(store, pub, &fakeStrategy{name: "ffmpeg", percents: []int{50}, output: "webm"})

	reqCtx, cancel := context.WithCancel(context.Background())
	job, err := o.Start(reqCtx, strings.NewReader("input"), "clip.mp4", "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// the request ending must not stop the job
	cancel()

	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
	if err := job.Err(); err != nil {
		t.Fatalf("job error = %v", err)
	}

	state := job.Snapshot()
	if state.Status != progress.StatusComplete || state.Percent != 100 || state.ResultFile != job.ID+".webm" {
		t.Errorf("state = %+v", state)
	}
	if state.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
	o.Wait()
	if o.Active() != 0 {
		t.Errorf("Active() = %d after Wait", o.Active())
	}
}

func TestStartInterruptedByBaseContext(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{}
	blocking := &fakeStrategy{name: "ffmpeg", percents: []int{5, 35}, block: true, started: make(chan struct{})}
	fallback := &fakeStrategy{name: "copy", output: "x"}
	o := New(store, pub, blocking, fallback)

	base, shutdown := context.WithCancel(context.Background())
	o.SetBaseContext(base)

	job, err := o.Start(context.Background(), strings.NewReader("input"), "clip.mp4", "job-9")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatal("strategy never started")
	}
	shutdown()
	o.Wait()

	if !errors.Is(job.Err(), ErrConversionFailed) {
		t.Errorf("job error = %v", job.Err())
	}
	if fallback.calls.Load() != 0 {
		t.Error("fallback ran after interruption")
	}

	last := assertSingleTerminalLast(t, pub.forJob("job-9"))
	if last.Status != progress.StatusError || last.Message != "Conversion interrupted" || last.Percent != 35 {
		t.Errorf("terminal = %+v", last)
	}
}

func TestConvertRecoversStrategyPanic(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{}
	o := New(store, pub, &fakeStrategy{name: "ffmpeg", percents: []int{12}, panicMsg: "nil map"})

	_, err := o.Convert(context.Background(), strings.NewReader("input"), "clip.mp4", "job-10")
	if !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("Convert() error = %v", err)
	}
	last := assertSingleTerminalLast(t, pub.forJob("job-10"))
	if last.Status != progress.StatusError || last.Percent != 12 {
		t.Errorf("terminal = %+v", last)
	}
	entries, _ := os.ReadDir(store.UploadsDir())
	if len(entries) != 0 {
		t.Error("staged input not removed after panic")
	}
}

func TestEmitterDropsAfterTerminal(t *testing.T) {
	pub := &recordingPublisher{}
	job := newJob("j", "a.mp4", pub)
	emit := job.emitter()

	emit(10, "working")
	job.publish(progress.StatusComplete, 0, "done", "j.webm")
	emit(20, "late")
	job.publish(progress.StatusError, 0, "late error", "")

	events := pub.forJob("j")
	if len(events) != 2 {
		t.Fatalf("events = %+v, want 2", events)
	}
	if events[1].Percent != 100 {
		t.Errorf("complete percent = %d, want 100", events[1].Percent)
	}
}

func TestConcurrentJobsDoNotCrossDeliver(t *testing.T) {
	store := newStore(t)
	hub := progress.NewHub(256)
	channel := progress.NewChannel(hub)

	subA := hub.Subscribe(progress.Topic("job-a"))
	subB := hub.Subscribe(progress.Topic("job-b"))
	defer subA.Close()
	defer subB.Close()

	o := New(store, channel,
		&fakeStrategy{name: "ffmpeg", percents: []int{10, 20, 30, 40, 50, 60, 70, 80, 90}, output: "webm"},
	)

	if _, err := o.Start(context.Background(), strings.NewReader("a"), "a.mp4", "job-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Start(context.Background(), strings.NewReader("b"), "b.mp4", "job-b"); err != nil {
		t.Fatal(err)
	}
	o.Wait()

	collect := func(sub *progress.Subscription, want string) {
		t.Helper()
		count := 0
		for {
			select {
			case ev := <-sub.Events():
				count++
				if ev.JobID != want {
					t.Errorf("subscriber for %s received event for %s", want, ev.JobID)
				}
				if ev.Status.IsTerminal() {
					if count < 3 {
						t.Errorf("only %d events for %s", count, want)
					}
					return
				}
			case <-time.After(2 * time.Second):
				t.Errorf("no terminal event for %s", want)
				return
			}
		}
	}
	collect(subA, "job-a")
	collect(subB, "job-b")
}

func TestStartRejectsRunningJobID(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{}
	blocking := &fakeStrategy{name: "ffmpeg", percents: []int{20}, block: true, started: make(chan struct{})}
	o := New(store, pub, blocking, &fakeStrategy{name: "copy", output: "x"})

	base, shutdown := context.WithCancel(context.Background())
	o.SetBaseContext(base)

	first, err := o.Start(context.Background(), strings.NewReader("first input"), "clip.mp4", "same")
	if err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatal("strategy never started")
	}

	if !o.IsActive("same") {
		t.Error("IsActive(same) = false while the job runs")
	}
	if _, err := o.Start(context.Background(), strings.NewReader("second"), "clip.mp4", "same"); !errors.Is(err, ErrJobActive) {
		t.Fatalf("second Start() error = %v, want ErrJobActive", err)
	}
	if _, err := o.Convert(context.Background(), strings.NewReader("third"), "clip.mp4", "same"); !errors.Is(err, ErrJobActive) {
		t.Fatalf("Convert() error = %v, want ErrJobActive", err)
	}

	staged, err := os.ReadFile(first.InputPath)
	if err != nil || string(staged) != "first input" {
		t.Errorf("staged input = %q, %v; the rejected upload must not touch it", staged, err)
	}
	if n := blocking.calls.Load(); n != 1 {
		t.Errorf("strategy ran %d times, want 1", n)
	}

	shutdown()
	o.Wait()

	if got := len(terminalEvents(pub.forJob("same"))); got != 1 {
		t.Errorf("terminal events for same = %d, want 1", got)
	}
	if o.IsActive("same") {
		t.Error("id still claimed after the job ended")
	}
}

func TestJobIDReusableAfterFinish(t *testing.T) {
	store := newStore(t)
	pub := &recordingPublisher{}
	o := New(store, pub, &fakeStrategy{name: "copy", output: "x"})

	for i := 0; i < 2; i++ {
		if _, err := o.Convert(context.Background(), strings.NewReader("input"), "clip.mp4", "again"); err != nil {
			t.Fatalf("Convert() #%d error = %v", i+1, err)
		}
	}
	if o.IsActive("again") {
		t.Error("id still claimed after Convert returned")
	}
}

func TestClaimReleasesOnce(t *testing.T) {
	o := New(newStore(t), &recordingPublisher{})

	release, err := o.Claim("sim")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.Claim("sim"); !errors.Is(err, ErrJobActive) {
		t.Errorf("second Claim() error = %v, want ErrJobActive", err)
	}

	release()
	again, err := o.Claim("sim")
	if err != nil {
		t.Fatalf("Claim() after release error = %v", err)
	}
	// a stale release must not drop the new holder's claim
	release()
	if !o.IsActive("sim") {
		t.Error("stale release dropped the new claim")
	}
	again()
}

func TestStagingFailureReleasesID(t *testing.T) {
	o := New(failingStore{newStore(t)}, &recordingPublisher{}, &fakeStrategy{name: "copy", output: "x"})

	if _, err := o.Convert(context.Background(), strings.NewReader("input"), "clip.mp4", "stage-fail"); !errors.Is(err, ErrConversionFailed) {
		t.Fatalf("Convert() error = %v", err)
	}
	if o.IsActive("stage-fail") {
		t.Error("id still claimed after staging failed")
	}
}
