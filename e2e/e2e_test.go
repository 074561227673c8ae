package e2e

import (
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"
	"gopkg.in/guregu/null.v4"

	"github.com/ayusman/platewatch/internal/app"
	"github.com/ayusman/platewatch/internal/capture"
	"github.com/ayusman/platewatch/internal/config"
	"github.com/ayusman/platewatch/internal/hook"
	"github.com/ayusman/platewatch/internal/ocr"
	"github.com/ayusman/platewatch/internal/plate"
	"github.com/ayusman/platewatch/internal/roi"
	"github.com/ayusman/platewatch/internal/server"
	"github.com/ayusman/platewatch/internal/store"
)

// unreachable marks camera URLs whose mock source refuses to open.
const unreachable = "rtsp://unreachable"

// stack is one running platewatch instance over a data directory.
type stack struct {
	manager  *app.Manager
	registry *config.Registry
	store    *store.Store
	recorder *store.Recorder
	hooks    *hook.Dispatcher
	ts       *httptest.Server
	client   *http.Client
}

func startStack(t *testing.T, dataDir string, detector ocr.Detector, frame *gocv.Mat) *stack {
	t.Helper()

	st, err := store.New(filepath.Join(dataDir, "platewatch.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	registry, err := config.OpenRegistry(filepath.Join(dataDir, "cameras.json"))
	if err != nil {
		t.Fatalf("OpenRegistry() error = %v", err)
	}
	roiStore, err := roi.NewStore(filepath.Join(dataDir, "roi"))
	if err != nil {
		t.Fatalf("roi.NewStore() error = %v", err)
	}

	hookManager := hook.NewManager(filepath.Join(dataDir, "hooks"))
	if err := hookManager.Discover(); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	s := &stack{
		registry: registry,
		store:    st,
		recorder: store.NewRecorder(st),
		hooks:    hook.NewDispatcher(hookManager, hook.NewExecutor(5*time.Second)),
	}
	s.hooks.Start()

	streams := server.NewStreamHub(10 * time.Millisecond)
	var mu sync.Mutex
	s.manager = app.NewManager(app.Config{
		Registry:   registry,
		RoiStore:   roiStore,
		Recognizer: plate.NewRecognizer(detector, plate.Config{}),
		Display:    streams,
		Scheduler:  app.NewScheduler(20 * time.Millisecond),
		NewSource: func() capture.Source {
			mu.Lock()
			defer mu.Unlock()
			return &selectiveSource{MockSource: capture.NewMockSource([]*gocv.Mat{frame}, true)}
		},
		TickInterval: 5 * time.Millisecond,
	})
	s.manager.SetEnabled(st.Settings().GetBool(store.SettingRecognitionEnabled, true))

	detections := server.NewDetectionsHandler(s.manager)
	s.manager.OnDetection(func(d app.DetectionState) {
		detections.Broadcast(d)
		s.recorder.Record(&store.Detection{
			CameraID:   d.CameraID,
			Plate:      null.NewString(d.Plate, d.HasPlate()),
			DetectedAt: d.LastDetection,
		})
		if d.HasPlate() {
			s.hooks.Enqueue(hook.Detection{CameraID: d.CameraID, Plate: d.Plate, DetectedAt: d.LastDetection})
		}
	})
	if err := s.manager.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	s.ts = httptest.NewServer(server.New(server.Config{
		Manager:    s.manager,
		Store:      st,
		Streams:    streams,
		Detections: detections,
	}))
	s.client = s.ts.Client()
	return s
}

func (s *stack) stop() {
	s.ts.Close()
	s.manager.Stop()
	for _, c := range s.manager.Controllers() {
		c.Stop()
		<-c.Done()
	}
	s.hooks.Stop()
	s.recorder.Close()
	s.store.Close()
}

// selectiveSource fails to open unreachable URLs.
type selectiveSource struct {
	*capture.MockSource
}

func (s *selectiveSource) Open(uri string) error {
	if uri == unreachable {
		s.MockSource.SetOpenError(errors.New("no route to host"))
	}
	return s.MockSource.Open(uri)
}

func (s *stack) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestE2E_CompleteWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}
	if runtime.GOOS == "windows" {
		t.Skip("hooks are shell scripts")
	}

	dataDir := t.TempDir()

	// A hook that records every plate it is given.
	seen := filepath.Join(t.TempDir(), "seen.log")
	hookDir := filepath.Join(dataDir, "hooks", "record")
	if err := os.MkdirAll(hookDir, 0755); err != nil {
		t.Fatal(err)
	}
	manifest := `{"name":"record","executable":"run.sh","cameras":[1]}`
	if err := os.WriteFile(filepath.Join(hookDir, hook.ManifestFile), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\ncat >> \"" + seen + "\"\necho '{\"success\":true}'\n"
	if err := os.WriteFile(filepath.Join(hookDir, "run.sh"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}

	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(150, 150, 150, 0), 96, 128, gocv.MatTypeCV8UC3)
	defer frame.Close()

	detector := ocr.NewMockDetector()
	detector.SetText("plate read: ABC1N23\n")

	s := startStack(t, dataDir, detector, &frame)

	t.Run("AddCameras", func(t *testing.T) {
		for _, body := range []string{
			`{"camera_id": 1, "url": "rtsp://user:pw@10.0.0.1/stream"}`,
			`{"camera_id": 2, "url": "` + unreachable + `"}`,
		} {
			if resp := s.do(t, http.MethodPost, "/api/cameras", body); resp.StatusCode != http.StatusCreated {
				t.Fatalf("create status = %d, want %d", resp.StatusCode, http.StatusCreated)
			}
		}
	})

	t.Run("UnreachableCameraIsIsolated", func(t *testing.T) {
		c2, _ := s.manager.Controller(2)
		waitFor(t, "camera 2 to fail", func() bool { return c2.Err() != nil })

		c1, _ := s.manager.Controller(1)
		waitFor(t, "camera 1 streaming", func() bool { return c1.State() == app.StateStreaming })
	})

	t.Run("SetRoiAndDetect", func(t *testing.T) {
		resp := s.do(t, http.MethodPut, "/api/cameras/1/roi", `{"start":[40,40],"end":[400,200]}`)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("PUT roi status = %d", resp.StatusCode)
		}

		c1, _ := s.manager.Controller(1)
		waitFor(t, "plate", func() bool { return c1.Detection().Plate == "ABC1W23" })

		if c2, _ := s.manager.Controller(2); c2.Dispatches() != 0 {
			t.Errorf("failed camera dispatched %d crops", c2.Dispatches())
		}
	})

	t.Run("HookRan", func(t *testing.T) {
		waitFor(t, "hook output", func() bool {
			data, err := os.ReadFile(seen)
			return err == nil && strings.Contains(string(data), `"plate":"ABC1W23"`)
		})
	})

	t.Run("PauseStopsDispatch", func(t *testing.T) {
		if resp := s.do(t, http.MethodPut, "/api/recognition", `{"enabled":false}`); resp.StatusCode != http.StatusOK {
			t.Fatalf("pause status = %d", resp.StatusCode)
		}
		c1, _ := s.manager.Controller(1)
		time.Sleep(50 * time.Millisecond)
		before := c1.Dispatches()
		time.Sleep(150 * time.Millisecond)
		if after := c1.Dispatches(); after != before {
			t.Errorf("dispatches went from %d to %d while paused", before, after)
		}
	})

	t.Run("HistoryRecorded", func(t *testing.T) {
		waitFor(t, "history", func() bool { return s.recorder.Written() > 0 })

		resp := s.do(t, http.MethodGet, "/api/detections/history?camera_id=1&plates_only=true", "")
		var history struct {
			Detections []struct {
				Plate string `json:"plate"`
			} `json:"detections"`
		}
		json.NewDecoder(resp.Body).Decode(&history)
		if len(history.Detections) == 0 || history.Detections[0].Plate != "ABC1W23" {
			t.Errorf("history = %+v", history)
		}
	})

	s.stop()

	t.Run("RestartRestoresState", func(t *testing.T) {
		s2 := startStack(t, dataDir, detector, &frame)
		defer s2.stop()

		if s2.manager.IsEnabled() {
			t.Error("pause should survive a restart")
		}

		ids := []int{}
		for _, c := range s2.manager.Controllers() {
			ids = append(ids, c.ID())
		}
		if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
			t.Fatalf("restored cameras = %v, want [1 2]", ids)
		}

		c1, _ := s2.manager.Controller(1)
		want := roi.FromPoints(image.Pt(40, 40), image.Pt(400, 200))
		if c1.Roi() != want {
			t.Errorf("restored roi = %v, want %v", c1.Roi(), want)
		}

		if resp := s2.do(t, http.MethodDelete, "/api/cameras/2?purge=true", ""); resp.StatusCode != http.StatusNoContent {
			t.Errorf("delete status = %d", resp.StatusCode)
		}
		if got := len(s2.registry.List()); got != 1 {
			t.Errorf("registry has %d cameras, want 1", got)
		}
	})
}
