package workers

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"fileforge/internal/domain"
	"fileforge/internal/engine"
	"fileforge/internal/journal"
	"fileforge/internal/utils"
)

type fakeExecutor struct {
	err    error
	failed []string
}

func (f *fakeExecutor) Execute(context.Context, string, int) error { return f.err }

func (f *fakeExecutor) Fail(_ context.Context, jobID string, _ error) error {
	f.failed = append(f.failed, jobID)
	return nil
}

// panickingExecutor stands in for a converter that crashes mid-job.
type panickingExecutor struct {
	fakeExecutor
}

func (p *panickingExecutor) Execute(context.Context, string, int) error {
	var m map[string]int
	m["boom"]++
	return nil
}

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestWorkOutcomes(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	internal := domain.Wrap(domain.KindInternal, errors.New("db gone"), "load job")
	terminal := domain.Errorf(domain.KindConversionFailed, "conversion failed")

	tests := []struct {
		name        string
		err         error
		attempt     int
		maxAttempts int
		wantErr     bool
		wantCancel  bool
		wantFailed  bool
		wantJournal int
	}{
		{name: "success", attempt: 1, maxAttempts: 3},
		{name: "terminal is cancelled", err: terminal, attempt: 1, maxAttempts: 3, wantErr: true, wantCancel: true, wantJournal: 1},
		{name: "internal retries", err: internal, attempt: 1, maxAttempts: 3, wantErr: true, wantJournal: 1},
		{name: "internal on last attempt fails the row", err: internal, attempt: 3, maxAttempts: 3, wantErr: true, wantFailed: true, wantJournal: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := openJournal(t)
			ex := &fakeExecutor{err: tt.err}
			row := &rivertype.JobRow{ID: 7, Kind: "conversion", Attempt: tt.attempt, MaxAttempts: tt.maxAttempts}

			err := work(context.Background(), ex, j, logger, row, "job-1", domain.SurfaceConversion)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if tt.wantCancel {
				if err == tt.err || !errors.Is(err, domain.ErrConversionFailed) {
					t.Fatalf("expected a cancel wrapping the failure, got %T %v", err, err)
				}
			}
			if got := len(ex.failed) > 0; got != tt.wantFailed {
				t.Fatalf("failed rows = %v", ex.failed)
			}
			entries, err := j.ForJob("job-1")
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != tt.wantJournal {
				t.Fatalf("journal entries = %d", len(entries))
			}
			if len(entries) == 1 && (entries[0].Attempt != tt.attempt || entries[0].Kind != domain.KindOf(tt.err)) {
				t.Fatalf("entry = %+v", entries[0])
			}
		})
	}
}

func TestPanicIsRecordedAndFailsTheRow(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	tests := []struct {
		name       string
		attempt    int
		wantFailed bool
	}{
		{name: "retried before the last attempt", attempt: 1},
		{name: "fails the row on the last attempt", attempt: 2, wantFailed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := openJournal(t)
			ex := &panickingExecutor{}
			row := &rivertype.JobRow{ID: 9, Kind: "optimization", Attempt: tt.attempt, MaxAttempts: 2}

			err := work(context.Background(), ex, j, logger, row, "job-2", domain.SurfacePublicOptimization)
			if err == nil {
				t.Fatal("a panic must surface as an error")
			}
			if domain.KindOf(err) != domain.KindInternal {
				t.Fatalf("kind = %s, want internal", domain.KindOf(err))
			}
			if got := len(ex.failed) > 0; got != tt.wantFailed {
				t.Fatalf("failed rows = %v", ex.failed)
			}
			entries, err := j.ForJob("job-2")
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 1 || entries[0].Kind != domain.KindInternal {
				t.Fatalf("entries = %+v", entries)
			}
		})
	}
}

func TestJobTimeoutOutlastsConverters(t *testing.T) {
	defaults := utils.DefaultTimeoutConfig()
	tests := []struct {
		name    string
		service time.Duration
	}{
		{name: "unset", service: 0},
		{name: "default service", service: 300 * time.Second},
		{name: "slow service", service: 20 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := JobTimeout(tt.service)
			for _, limit := range []time.Duration{tt.service, defaults.ServiceTimeout, defaults.ProcessTimeout, defaults.BrowserTimeout} {
				if got <= limit {
					t.Fatalf("job timeout %v does not outlast converter timeout %v", got, limit)
				}
			}
		})
	}

	conv := NewConversionWorker(nil, nil, JobTimeout(0), nil)
	if got := conv.Timeout(&river.Job[ConversionJobArgs]{}); got != JobTimeout(0) {
		t.Fatalf("conversion worker timeout = %v", got)
	}
	opt := NewOptimizationWorker(nil, nil, JobTimeout(0), nil)
	if got := opt.Timeout(&river.Job[OptimizationJobArgs]{}); got <= time.Minute {
		t.Fatalf("optimization worker timeout %v falls back to the river default", got)
	}
}

func TestNextRetryFollowsSurfacePolicy(t *testing.T) {
	tests := []struct {
		surface domain.Surface
		attempt int
		want    time.Duration
	}{
		{domain.SurfaceConversion, 1, 60 * time.Second},
		{domain.SurfaceConversion, 2, 120 * time.Second},
		{domain.SurfaceOptimization, 1, 60 * time.Second},
		{domain.SurfacePublicConversion, 1, 30 * time.Second},
		{domain.SurfacePublicCompression, 1, 30 * time.Second},
	}
	for _, tt := range tests {
		before := time.Now()
		got := nextRetry(tt.surface, tt.attempt).Sub(before)
		if got < tt.want || got > tt.want+time.Second {
			t.Errorf("%s attempt %d: delay %v, want %v", tt.surface, tt.attempt, got, tt.want)
		}
	}
}

func TestInsertOpts(t *testing.T) {
	if got := InsertOpts(engine.JobConversion, domain.SurfaceConversion).MaxAttempts; got != 3 {
		t.Fatalf("authenticated max attempts = %d", got)
	}
	if got := InsertOpts(engine.JobOptimization, domain.SurfacePublicOptimization).MaxAttempts; got != 2 {
		t.Fatalf("public max attempts = %d", got)
	}
	if _, err := argsFor("archive", "x", domain.SurfaceConversion); err == nil {
		t.Fatal("unknown kind must be refused")
	}
	args, err := argsFor(engine.JobOptimization, "x", domain.SurfacePublicCompression)
	if err != nil || args.Kind() != "optimization" {
		t.Fatalf("args = %v %v", args, err)
	}
}

func TestLiveState(t *testing.T) {
	live := []rivertype.JobState{rivertype.JobStateAvailable, rivertype.JobStateRunning, rivertype.JobStateRetryable, rivertype.JobStateScheduled}
	dead := []rivertype.JobState{rivertype.JobStateCompleted, rivertype.JobStateCancelled, rivertype.JobStateDiscarded}
	for _, s := range live {
		if !liveState(s) {
			t.Errorf("%s should be live", s)
		}
	}
	for _, s := range dead {
		if liveState(s) {
			t.Errorf("%s should not be live", s)
		}
	}
}

func TestPeriodicJobs(t *testing.T) {
	if got := len(PeriodicJobs()); got != 4 {
		t.Fatalf("periodic jobs = %d", got)
	}
}
