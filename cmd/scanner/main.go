package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"qrattend/internal/apperr"
	"qrattend/internal/attendance"
	"qrattend/internal/classroom"
	"qrattend/internal/config"
	"qrattend/internal/geo"
	"qrattend/internal/logger"
	"qrattend/internal/queue"
	"qrattend/internal/scan"
	"qrattend/internal/store"
)

var (
	studentID   string
	studentName string
	framesDir   string
	classesFile string
	latitude    float64
	longitude   float64
	keepRunning bool
)

func main() {
	cmd := &cobra.Command{
		Use:   "scanner",
		Short: "Kiosk scanner that records attendance from camera snapshots",
		Long: `Watch a directory of camera snapshots, decode attendance QR codes and
verify them for one student against the configured attendance store.`,
		RunE: run,
	}

	cmd.Flags().StringVarP(&studentID, "student", "s", "", "Student id (required)")
	cmd.Flags().StringVar(&studentName, "name", "", "Student display name")
	cmd.Flags().StringVarP(&framesDir, "frames", "f", ".", "Directory the camera writes snapshots to")
	cmd.Flags().StringVar(&classesFile, "classes", "", "JSON file of classes to load when STORE_BACKEND=memory")
	cmd.Flags().Float64Var(&latitude, "lat", math.NaN(), "Device latitude (default KIOSK_LATITUDE)")
	cmd.Flags().Float64Var(&longitude, "lon", math.NaN(), "Device longitude (default KIOSK_LONGITUDE)")
	cmd.Flags().BoolVar(&keepRunning, "keep-running", false, "Keep scanning after a successful check-in")
	_ = cmd.MarkFlagRequired("student")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logger.WithComponent("scanner")
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	classes, records, closeFn, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeFn()

	var notifier attendance.Notifier
	if cfg.QueueBackend == "redis" {
		r := store.NewRedis(cfg.RedisAddr)
		defer r.Close()
		notifier = queue.NewNotifier(queue.NewRedisQueue(r.Client, "", logger.WithComponent("queue")))
	}

	loc := cfg.Location()
	pipeline := scan.NewPipeline(
		classes,
		attendance.NewGuard(records, cfg.Cooldown, loc),
		attendance.NewRecorder(records, notifier, cfg.LateAfter, loc, logger.WithComponent("recorder")),
		scan.Windows{Validity: cfg.ValidityWindow, Grace: cfg.GracePeriod},
		logger.WithComponent("pipeline"),
	)
	pipeline.Observer = func(from, to scan.State, reason apperr.Reason) {
		log.Debug("state", "from", from, "to", to, "reason", reason)
	}

	loop := scan.NewLoop(pipeline, scan.NewDirectorySource(framesDir), scan.NewQRDecoder(), deviceLocation(cfg), scan.LoopConfig{
		SampleInterval:  cfg.ScanInterval,
		Cooldown:        cfg.ScanCooldown,
		LocationTimeout: cfg.LocationTimeout,
		StopOnSuccess:   !keepRunning,
	}, log)

	out := cmd.OutOrStdout()
	loop.OnResult = func(o scan.Outcome, err error) {
		switch {
		case err != nil:
			fmt.Fprintln(out, "attendance service unavailable, try again")
		case o.State == scan.StateSuccess:
			rec := o.Record
			if rec.Status == attendance.StatusLate {
				fmt.Fprintf(out, "checked in to %s, %d minutes late\n", rec.ClassID, rec.MinutesLate)
			} else {
				fmt.Fprintf(out, "checked in to %s\n", rec.ClassID)
			}
		default:
			fmt.Fprintf(out, "rejected: %s\n", o.Failure.Message)
		}
	}

	return loop.Run(ctx, scan.Identity{StudentID: studentID, Name: studentName})
}

// deviceLocation uses the flags, then the kiosk config. A kiosk with no
// configured position behaves like a device with location disabled.
func deviceLocation(cfg config.App) scan.LocationProvider {
	lat, lon := latitude, longitude
	if math.IsNaN(lat) || math.IsNaN(lon) {
		lat, lon = cfg.KioskLatitude, cfg.KioskLongitude
	}
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return scan.LocationFunc(func(context.Context) (geo.Coordinates, error) {
			return geo.Coordinates{}, scan.ErrLocationUnsupported
		})
	}
	return scan.StaticLocation(geo.Coordinates{Latitude: lat, Longitude: lon})
}

func openStores(ctx context.Context, cfg config.App, log *slog.Logger) (classroom.Directory, attendance.Store, func(), error) {
	if cfg.StoreBackend == "memory" {
		dir := classroom.NewMemory()
		if classesFile != "" {
			if err := loadClasses(classesFile, dir); err != nil {
				return nil, nil, nil, err
			}
		}
		return dir, attendance.NewMemoryStore(), func() {}, nil
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, log); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
	}
	return classroom.NewRepository(db.Client), attendance.NewRepository(db.Client), func() { _ = db.Close() }, nil
}

func loadClasses(path string, dir *classroom.Memory) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var classes []classroom.Class
	if err := json.Unmarshal(raw, &classes); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if len(classes) == 0 {
		return errors.New("classes file is empty")
	}
	for _, c := range classes {
		dir.Put(c)
	}
	return nil
}
