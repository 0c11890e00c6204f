package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bloom-desktop/bloom/internal/hardware"
	"github.com/bloom-desktop/bloom/internal/ipc"
	"github.com/bloom-desktop/bloom/internal/log"
	"github.com/bloom-desktop/bloom/internal/model"
	"github.com/bloom-desktop/bloom/internal/scan"
	"github.com/bloom-desktop/bloom/internal/store"
	"github.com/bloom-desktop/bloom/internal/upload"
)

const defaultSweepSchedule = "PT15M"

var (
	flagExperiment string
	flagOperator   string
	flagSpecimen   string
	flagWave       int
	flagAge        int
	flagOutput     string
	flagFrames     int

	flagUploadAll   bool
	flagUploadWatch bool
)

func init() {
	f := scanCmd.Flags()
	f.StringVar(&flagExperiment, "experiment", "", "experiment id")
	f.StringVar(&flagOperator, "operator", "", "operator (phenotyper) id")
	f.StringVar(&flagSpecimen, "specimen", "", "specimen id, scans without a specimen are not persisted")
	f.IntVar(&flagWave, "wave", 0, "wave number")
	f.IntVar(&flagAge, "age", 0, "specimen age in days")
	f.StringVar(&flagOutput, "output", "", "output directory below scans_dir, derived from the metadata when empty")
	f.IntVar(&flagFrames, "frames", 0, "number of frames, overrides scan.num_frames")

	uploadCmd.Flags().BoolVar(&flagUploadAll, "all", false, "upload every scan with images left to upload")
	uploadCmd.Flags().BoolVar(&flagUploadWatch, "watch", false, "keep running and upload pending scans on upload.schedule")
	uploadCmd.MarkFlagsMutuallyExclusive("all", "watch")
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "capture one full rotation of a specimen",
	Args:  cobra.NoArgs,
	RunE:  doScan,
}

var uploadCmd = &cobra.Command{
	Use:   "upload [scan-id...]",
	Short: "upload captured scans to the configured object store",
	RunE:  doUpload,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "report the scanner hardware and the pending uploads",
	Args:  cobra.NoArgs,
	RunE:  doStatus,
}

func doScan(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("bloom",
		slog.String("cmd", "scan"),
		slog.Int("pid", os.Getpid()),
	))

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	var meta *model.ScanMetadata
	if flagSpecimen != "" {
		meta = &model.ScanMetadata{
			ExperimentID:    flagExperiment,
			OperatorID:      flagOperator,
			SpecimenID:      flagSpecimen,
			WaveNumber:      flagWave,
			SpecimenAgeDays: flagAge,
		}
		if err := meta.Validate(); err != nil {
			return fmt.Errorf("scan metadata: %w", err)
		}
	}
	settings := config.ScanSettings(flagOutput, meta)
	if flagFrames > 0 {
		settings.NumFrames = flagFrames
	}

	session, err := scan.NewSession(model.ExpandPath(config.ScansDir), settings,
		scan.WithPersister(st),
		scan.WithPersistPartial(config.Scan.PersistPartial),
		scan.WithStabilization(config.Scan.Stabilization.AsDuration()),
	)
	if err != nil {
		return err
	}

	coordinator, closeHardware, err := newCoordinator(ctx, session)
	if err != nil {
		return err
	}
	defer closeHardware()

	out := cmd.ErrOrStderr()
	unsubscribe := coordinator.OnProgress(func(e scan.ProgressEvent) {
		_, _ = fmt.Fprintf(out, "frame %d/%d at %.1f°: %s\n", e.FrameNumber+1, e.TotalFrames, e.Position, e.ImagePath)
	})
	defer unsubscribe()
	// interrupting stops the run before the next frame
	stop := context.AfterFunc(ctx, coordinator.Cancel)
	defer stop()

	if _, err := coordinator.Initialize(ctx); err != nil {
		return err
	}
	res := coordinator.Scan(ctx)
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Error)
	}

	if config.Scan.UploadAfter && res.ScanID != "" {
		results, err := uploadScans(ctx, st, []string{res.ScanID})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), results)
	}
	return nil
}

func doUpload(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("bloom",
		slog.String("cmd", "upload"),
		slog.Int("pid", os.Getpid()),
	))

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()

	if flagUploadWatch {
		return watchUploads(ctx, st)
	}

	ids := args
	if flagUploadAll {
		ids, err = st.PendingScanIDs(ctx)
		if err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		slog.InfoContext(ctx, "nothing to upload")
		return nil
	}
	results, err := uploadScans(ctx, st, ids)
	if perr := printJSON(cmd.OutOrStdout(), results); perr != nil {
		return errors.Join(err, perr)
	}
	return err
}

func watchUploads(ctx context.Context, st *store.Store) error {
	expr := config.Upload.Schedule
	if expr == "" {
		expr = defaultSweepSchedule
	}
	schedule, err := model.ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("parsing upload.schedule: %w", err)
	}
	objects, closeObjects, err := objectStore()
	if err != nil {
		return err
	}
	defer closeObjects()

	sweeper, err := upload.NewSweeper(ctx, schedule, st, objects)
	if err != nil {
		return err
	}
	sweeper.Start()
	slog.InfoContext(ctx, "watching pending uploads", "schedule", expr)
	<-ctx.Done()
	return sweeper.Shutdown()
}

func uploadScans(ctx context.Context, st *store.Store, ids []string) ([]upload.Result, error) {
	objects, closeObjects, err := objectStore()
	if err != nil {
		return nil, err
	}
	defer closeObjects()

	p := upload.New(st, objects)
	if err := p.Authenticate(ctx); err != nil {
		return nil, err
	}
	return p.UploadBatch(ctx, ids, func(bp upload.BatchProgress) {
		slog.InfoContext(ctx, "scan uploaded",
			"scan", fmt.Sprintf("%d/%d", bp.CurrentScan, bp.TotalScans),
			"scan_id", bp.ScanID,
			"uploaded", bp.Result.Uploaded,
			"failed", bp.Result.Failed,
		)
	})
}

type statusReport struct {
	Config         string          `json:"config"`
	Scanner        scan.Status     `json:"scanner"`
	Worker         json.RawMessage `json:"worker,omitempty"`
	PendingUploads []string        `json:"pending_uploads"`
}

func doStatus(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("bloom",
		slog.String("cmd", "status"),
		slog.Int("pid", os.Getpid()),
	))
	report := statusReport{Config: configPath}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = st.Close()
	}()
	report.PendingUploads, err = st.PendingScanIDs(ctx)
	if err != nil {
		return err
	}

	session, err := scan.NewSession(model.ExpandPath(config.ScansDir), config.ScanSettings("", nil))
	if err != nil {
		return err
	}
	sender, closeTransport, err := startTransport(ctx)
	if err != nil {
		return err
	}
	defer closeTransport()
	camera, table, err := hardware.New(hardwareOptions(), session.Settings.Camera, sender)
	if err != nil {
		return err
	}
	// the hardware is only queried, never connected
	report.Scanner = scan.New(session, camera, table).Status(ctx)

	if sender != nil {
		resp, err := sender.Send(ctx, ipc.Request{Command: "check_hardware"})
		if err != nil {
			slog.WarnContext(ctx, "checking worker hardware", "error", err)
		} else {
			report.Worker = resp.Raw
		}
	}
	return printJSON(cmd.OutOrStdout(), report)
}

// newCoordinator selects the hardware for session and returns a coordinator
// with a func releasing the worker.
func newCoordinator(ctx context.Context, session *scan.Session) (*scan.Coordinator, func(), error) {
	sender, closeTransport, err := startTransport(ctx)
	if err != nil {
		return nil, nil, err
	}
	camera, table, err := hardware.New(hardwareOptions(), session.Settings.Camera, sender)
	if err != nil {
		closeTransport()
		return nil, nil, err
	}
	return scan.New(session, camera, table), closeTransport, nil
}

func hardwareOptions() hardware.Options {
	return hardware.Options{
		Mock:           config.Hardware.Mock,
		FixturesDir:    model.ExpandPath(config.Hardware.FixturesDir),
		SimulateTiming: config.Hardware.SimulateTiming,
	}
}

// startTransport starts the hardware worker unless the hardware is mocked.
// The returned sender is nil then.
func startTransport(ctx context.Context) (hardware.Sender, func(), error) {
	if config.Hardware.Mock {
		return nil, func() {}, nil
	}

	command := ipc.Command{
		Path: config.Worker.Path,
		Args: config.Worker.Args,
		Env:  config.Worker.Env,
	}
	if command.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving worker executable: %w", err)
		}
		command.Path = exe
		command.Args = []string{"_worker", "--config", configPath}
		if config.Service.Verbose {
			command.Args = append(command.Args, "--verbose")
		}
	}

	transport := ipc.New(ipc.Config{
		Command:        command,
		StartupTimeout: config.Worker.StartupTimeout.AsDuration(),
		CommandTimeout: config.Worker.CommandTimeout.AsDuration(),
	})
	if err := transport.Start(ctx); err != nil {
		_ = transport.Close(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	closeFn := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := transport.Close(ctx); err != nil {
			slog.WarnContext(ctx, "closing worker", "error", err)
		}
	}
	return transport, closeFn, nil
}

func openStore(ctx context.Context) (*store.Store, error) {
	return store.Open(ctx, model.ExpandPath(config.Database))
}

// objectStore builds the configured upload backend with a func releasing it.
func objectStore() (upload.ObjectStore, func(), error) {
	cfg := config.Upload
	noop := func() {}
	switch cfg.Backend {
	case model.UploadBackendHTTP:
		s, err := upload.NewHTTPStore(cfg.URL.AsURL(), cfg.Bucket, cfg.Email, cfg.Password)
		return s, noop, err
	case model.UploadBackendGCS:
		s, err := upload.NewGCSStore(cfg.Bucket, model.ExpandPath(cfg.CredentialsFile))
		return s, noop, err
	case model.UploadBackendDir:
		s, err := upload.NewDirStore(model.ExpandPath(cfg.Dir))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, errors.New("uploads are disabled, set upload.backend to http, gcs or dir")
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
