package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-co-op/gocron/v2"

	"github.com/bloom-desktop/bloom/internal/model"
)

// PendingScans lists the scans with images left to upload, see store.Store.
type PendingScans interface {
	Scans
	PendingScanIDs(ctx context.Context) ([]string, error)
}

// Sweeper periodically uploads every scan with images left to upload. Each
// sweep logs in again with a fresh Pipeline.
type Sweeper struct {
	scans     PendingScans
	objects   ObjectStore
	scheduler gocron.Scheduler
}

// NewSweeper schedules sweeps; call Start to run them.
func NewSweeper(ctx context.Context, schedule model.Schedule, scans PendingScans, objects ObjectStore) (*Sweeper, error) {
	s := &Sweeper{scans: scans, objects: objects}
	sched, err := newScheduler(ctx, schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			slog.ErrorContext(ctx, "upload sweep", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	s.scheduler = sched
	return s, nil
}

func (s *Sweeper) Start() {
	s.scheduler.Start()
}

func (s *Sweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}

// Sweep uploads the pending scans once.
func (s *Sweeper) Sweep(ctx context.Context) ([]Result, error) {
	ids, err := s.scans.PendingScanIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		slog.DebugContext(ctx, "nothing to upload")
		return nil, nil
	}
	p := New(s.scans, s.objects)
	if err := p.Authenticate(ctx); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "uploading pending scans", "scans", len(ids))
	return p.UploadBatch(ctx, ids, nil)
}

func newScheduler(ctx context.Context, schedule model.Schedule, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case schedule.Cron != "":
		if _, err := model.ParseCron(schedule.Cron); err != nil {
			return nil, fmt.Errorf("parsing upload.schedule: %w", err)
		}
		job = gocron.CronJob(schedule.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", schedule.Cron)
	case schedule.Every > 0:
		job = gocron.DurationJob(schedule.Every)
		slog.DebugContext(ctx, "successfully parsed", "duration", schedule.Every.String())
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
