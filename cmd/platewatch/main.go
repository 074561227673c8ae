package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/guregu/null.v4"

	"github.com/ayusman/platewatch/internal/app"
	"github.com/ayusman/platewatch/internal/config"
	"github.com/ayusman/platewatch/internal/emitter"
	"github.com/ayusman/platewatch/internal/hook"
	"github.com/ayusman/platewatch/internal/logging"
	"github.com/ayusman/platewatch/internal/ocr"
	"github.com/ayusman/platewatch/internal/plate"
	"github.com/ayusman/platewatch/internal/roi"
	"github.com/ayusman/platewatch/internal/server"
	"github.com/ayusman/platewatch/internal/store"
	"github.com/ayusman/platewatch/internal/tray"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	noTray := flag.Bool("no-tray", false, "disable the system tray menu")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "platewatch: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *noTray {
		cfg.Tray = false
	}

	logging.Setup(cfg.LogLevel, cfg.LogPretty)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("platewatch failed")
	}
}

func run(cfg config.Config) error {
	log.Info().Str("data_dir", cfg.DataDir).Str("ocr", cfg.OCR.Provider).Stringer("mqtt", cfg.MQTT).Msg("platewatch starting")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	registry, err := config.OpenRegistry(cfg.RegistryPath)
	if err != nil {
		return fmt.Errorf("failed to load camera registry: %w", err)
	}
	roiStore, err := roi.NewStore(cfg.RoiDir)
	if err != nil {
		return fmt.Errorf("failed to open roi store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	detector, err := ocr.New(ctx, ocr.Config{
		Provider:          ocr.Provider(cfg.OCR.Provider),
		VisionEndpoint:    cfg.OCR.VisionEndpoint,
		VisionAPIKey:      cfg.OCR.VisionAPIKey,
		AWSRegion:         cfg.OCR.AWSRegion,
		TesseractLanguage: cfg.OCR.TesseractLanguage,
	})
	if err != nil {
		return fmt.Errorf("failed to create ocr detector: %w", err)
	}
	defer detector.Close()

	if cfg.OCR.Provider == string(ocr.ProviderVision) && cfg.OCR.VisionAPIKey == "" {
		log.Warn().Msgf("%s is not set, every recognition will fail", config.EnvVisionAPIKey)
	}

	recognizer := plate.NewRecognizer(detector, plate.Config{
		Timeout:  cfg.OCR.Timeout(),
		DebugDir: cfg.DebugDir,
	})

	streams := server.NewStreamHub(server.DefaultFrameInterval)
	manager := app.NewManager(app.Config{
		Registry:       registry,
		RoiStore:       roiStore,
		Recognizer:     recognizer,
		Display:        streams,
		Scheduler:      app.NewScheduler(cfg.Pipeline.GateInterval()),
		TickInterval:   cfg.Pipeline.TickInterval(),
		DedupThreshold: cfg.Pipeline.DedupThreshold,
		DisplayWidth:   cfg.Pipeline.DisplayWidth,
		DisplayHeight:  cfg.Pipeline.DisplayHeight,
	})
	manager.SetEnabled(st.Settings().GetBool(store.SettingRecognitionEnabled, true))

	recorder := store.NewRecorder(st)
	defer recorder.Close()

	var mqttEmitter *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		mqttEmitter = emitter.NewMQTTEmitter(cfg.MQTT)
		if err := mqttEmitter.Connect(ctx); err != nil {
			log.Error().Err(err).Stringer("broker", cfg.MQTT).Msg("mqtt unavailable, plate events disabled")
			mqttEmitter = nil
		} else {
			defer mqttEmitter.Disconnect()
		}
	}

	hooks := hook.NewManager(cfg.Hooks.Dir)
	if err := hooks.Discover(); err != nil {
		log.Warn().Err(err).Str("dir", cfg.Hooks.Dir).Msg("failed to discover hooks")
	}
	dispatcher := hook.NewDispatcher(hooks, hook.NewExecutor(cfg.Hooks.Timeout()))
	dispatcher.Start()
	defer dispatcher.Stop()

	var menu *tray.Tray
	if cfg.Tray {
		menu = tray.New()
	}

	detections := server.NewDetectionsHandler(manager)
	manager.OnDetection(func(d app.DetectionState) {
		detections.Broadcast(d)

		rec := &store.Detection{
			CameraID:   d.CameraID,
			Plate:      null.NewString(d.Plate, d.HasPlate()),
			DetectedAt: d.LastDetection,
		}
		if !d.LastDispatch.IsZero() {
			rec.DispatchedAt = null.TimeFrom(d.LastDispatch)
		}
		recorder.Record(rec)

		if !d.HasPlate() {
			return
		}
		log.Info().Int("camera_id", d.CameraID).Str("plate", d.Plate).Msg("plate detected")
		if mqttEmitter != nil {
			mqttEmitter.Enqueue(emitter.Event{CameraID: d.CameraID, Plate: d.Plate, DetectedAt: d.LastDetection})
		}
		dispatcher.Enqueue(hook.Detection{CameraID: d.CameraID, Plate: d.Plate, DetectedAt: d.LastDetection})
		if menu != nil {
			menu.SetLastPlate(d.CameraID, d.Plate)
		}
	})

	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start cameras: %w", err)
	}
	defer manager.Stop()

	staticDir := cfg.StaticDir
	if staticDir == "" {
		staticDir = findWebDir(cfg.DataDir)
	}
	if staticDir != "" {
		log.Info().Str("dir", staticDir).Msg("serving static files")
	}

	srv := server.New(server.Config{
		StaticDir:  staticDir,
		Manager:    manager,
		Store:      st,
		Streams:    streams,
		Detections: detections,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe(cfg.ListenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	if menu != nil {
		menu.OnToggle(func(enabled bool) {
			manager.SetEnabled(enabled)
			if err := st.Settings().SetBool(store.SettingRecognitionEnabled, enabled); err != nil {
				log.Warn().Err(err).Msg("failed to persist recognition switch")
			}
		})
		menu.OnOpen(func() {
			log.Info().Str("url", dashboardURL(cfg.ListenAddr)).Msg("dashboard")
		})
		menu.OnQuit(func() {
			select {
			case quit <- syscall.SIGTERM:
			default:
			}
		})
		go syncTray(ctx, menu, manager)
		go func() {
			<-ctx.Done()
			menu.Quit()
		}()
	}

	var result error
	go func() {
		select {
		case sig := <-quit:
			log.Info().Stringer("signal", sig).Msg("shutting down")
		case err := <-serveErr:
			if err != nil {
				result = fmt.Errorf("http server: %w", err)
			}
		}
		cancel()
	}()

	// The tray owns the main thread while it runs.
	if menu != nil {
		menu.Run()
	}
	<-ctx.Done()

	shutdownCtx, stop := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}

	return result
}

// syncTray mirrors pauses made over HTTP and the camera count into the menu.
func syncTray(ctx context.Context, menu *tray.Tray, manager *app.Manager) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		menu.SetEnabled(manager.IsEnabled())
		menu.SetCameras(len(manager.Controllers()))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func dashboardURL(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and <data_dir>/web.
// Returns the first existing directory or empty string if none found.
func findWebDir(dataDir string) string {
	for _, p := range []string{"web", "../web", "../../web", filepath.Join(dataDir, "web")} {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if abs, err := filepath.Abs(p); err == nil {
				return abs
			}
			return p
		}
	}
	return ""
}
