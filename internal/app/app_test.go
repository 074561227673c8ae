package app

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/platewatch/internal/capture"
	"github.com/ayusman/platewatch/internal/config"
	"github.com/ayusman/platewatch/internal/roi"
)

type managerFixture struct {
	manager    *Manager
	registry   *config.Registry
	store      *roi.Store
	recognizer *fakeRecognizer
	display    *recordingDisplay

	mu      sync.Mutex
	sources []*capture.MockSource
	openErr error
}

func newManagerFixture(t *testing.T, frames []*gocv.Mat) *managerFixture {
	t.Helper()

	registry, err := config.OpenRegistry(filepath.Join(t.TempDir(), "cameras.json"))
	if err != nil {
		t.Fatalf("OpenRegistry() error = %v", err)
	}

	f := &managerFixture{
		registry:   registry,
		store:      newTestRoiStore(t),
		recognizer: newFakeRecognizer("ABC1W23"),
		display:    newRecordingDisplay(),
	}

	f.manager = NewManager(Config{
		Registry:   registry,
		RoiStore:   f.store,
		Recognizer: f.recognizer,
		Display:    f.display,
		Scheduler:  NewScheduler(20 * time.Millisecond),
		NewSource: func() capture.Source {
			f.mu.Lock()
			defer f.mu.Unlock()
			src := capture.NewMockSource(frames, true)
			if f.openErr != nil {
				src.SetOpenError(f.openErr)
			}
			f.sources = append(f.sources, src)
			return src
		},
		TickInterval: 5 * time.Millisecond,
	})

	t.Cleanup(func() {
		f.recognizer.release()
		f.manager.Stop()
		for _, c := range f.manager.Controllers() {
			c.Stop()
		}

		// Removed and stopped cameras release their streams asynchronously.
		f.mu.Lock()
		sources := append([]*capture.MockSource(nil), f.sources...)
		f.mu.Unlock()
		deadline := time.Now().Add(3 * time.Second)
		for _, src := range sources {
			for src.IsOpen() && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
		}
	})
	return f
}

func (f *managerFixture) registered() map[int]bool {
	out := make(map[int]bool)
	for _, c := range f.registry.List() {
		out[c.ID] = true
	}
	return out
}

func TestManager_AddThenRemove(t *testing.T) {
	f := newManagerFixture(t, testFrames(t, 100))

	cam := cameraFor(1)
	if err := f.manager.Add(cam); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ctrl, ok := f.manager.Controller(1)
	if !ok {
		t.Fatal("no live controller after Add")
	}
	if !f.registered()[1] {
		t.Fatal("camera not persisted after Add")
	}

	if err := ctrl.SetRoi(roi.FromPoints(image.Pt(10, 10), image.Pt(100, 50))); err != nil {
		t.Fatalf("SetRoi() error = %v", err)
	}

	if err := f.manager.Remove(1); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	if _, ok := f.manager.Controller(1); ok {
		t.Error("controller still live after Remove")
	}
	if f.registered()[1] {
		t.Error("camera still persisted after Remove")
	}
	if ctrl.State() != StateStopped {
		t.Errorf("removed controller state = %v, want stopped", ctrl.State())
	}
	if _, err := os.Stat(f.store.Path(1)); !os.IsNotExist(err) {
		t.Errorf("roi file still present after Remove: %v", err)
	}

	select {
	case <-ctrl.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("removed camera stream not released")
	}
}

func TestManager_LiveSetMatchesRegistry(t *testing.T) {
	f := newManagerFixture(t, testFrames(t, 100))

	steps := []struct {
		add    int
		remove int
	}{
		{add: 1}, {add: 2}, {add: 3}, {remove: 2}, {add: 4}, {remove: 1}, {remove: 4},
	}

	for _, s := range steps {
		var err error
		if s.add != 0 {
			err = f.manager.Add(cameraFor(s.add))
		} else {
			err = f.manager.Remove(s.remove)
		}
		if err != nil {
			t.Fatalf("step %+v error = %v", s, err)
		}

		live := make(map[int]bool)
		for _, c := range f.manager.Controllers() {
			live[c.ID()] = true
		}
		persisted := f.registered()
		if len(live) != len(persisted) {
			t.Fatalf("after %+v live = %v, persisted = %v", s, live, persisted)
		}
		for id := range live {
			if !persisted[id] {
				t.Fatalf("after %+v camera %d live but not persisted", s, id)
			}
		}
	}
}

func TestManager_AddDuplicate(t *testing.T) {
	f := newManagerFixture(t, testFrames(t, 100))

	if err := f.manager.Add(cameraFor(1)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	err := f.manager.Add(config.Camera{ID: 1, URL: "rtsp://other/"})
	if !errors.Is(err, ErrCameraExists) {
		t.Errorf("Add(duplicate) error = %v, want ErrCameraExists", err)
	}
	if got := f.registry.List(); len(got) != 1 || got[0].URL != cameraFor(1).URL {
		t.Errorf("registry = %v, want original entry only", got)
	}
	if n := len(f.manager.Controllers()); n != 1 {
		t.Errorf("%d live controllers, want 1", n)
	}
}

func TestManager_AddInvalid(t *testing.T) {
	f := newManagerFixture(t, testFrames(t, 100))

	for _, cam := range []config.Camera{{ID: 0, URL: "rtsp://a/"}, {ID: 2}} {
		if err := f.manager.Add(cam); !errors.Is(err, config.ErrInvalidCamera) {
			t.Errorf("Add(%+v) error = %v, want ErrInvalidCamera", cam, err)
		}
	}
	if len(f.manager.Controllers()) != 0 {
		t.Error("invalid cameras became live")
	}
}

func TestManager_RemoveUnknown(t *testing.T) {
	f := newManagerFixture(t, testFrames(t, 100))

	if err := f.manager.Remove(9); !errors.Is(err, ErrCameraNotFound) {
		t.Errorf("Remove(9) error = %v, want ErrCameraNotFound", err)
	}
}

type failingRegistry struct{}

func (failingRegistry) List() []config.Camera { return nil }

func (failingRegistry) Add(config.Camera) error { return errors.New("disk full") }

func (failingRegistry) Remove(int) error { return errors.New("disk full") }

func TestManager_AddRollsBackOnPersistFailure(t *testing.T) {
	var source *capture.MockSource
	frames := testFrames(t, 100)
	m := NewManager(Config{
		Registry: failingRegistry{},
		NewSource: func() capture.Source {
			source = capture.NewMockSource(frames, true)
			return source
		},
	})

	if err := m.Add(cameraFor(1)); err == nil {
		t.Fatal("Add() should fail when the registry cannot be written")
	}
	if _, ok := m.Controller(1); ok {
		t.Error("controller left live after failed persist")
	}

	waitFor(t, "rolled back stream released", func() bool {
		return source.Opens() == 1 && !source.IsOpen()
	})
}

func TestManager_StartLoadsRegistry(t *testing.T) {
	f := newManagerFixture(t, testFrames(t, 100))

	for _, id := range []int{3, 1} {
		if err := f.registry.Add(cameraFor(id)); err != nil {
			t.Fatalf("registry.Add() error = %v", err)
		}
	}

	if err := f.manager.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.manager.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	ctrls := f.manager.Controllers()
	if len(ctrls) != 2 || ctrls[0].ID() != 1 || ctrls[1].ID() != 3 {
		t.Fatalf("Controllers() = %d entries, want cameras 1 and 3", len(ctrls))
	}

	waitFor(t, "both cameras rendered", func() bool {
		n1, _, _ := f.display.last(1)
		n3, _, _ := f.display.last(3)
		return n1 > 0 && n3 > 0
	})

	f.manager.Stop()
	for _, c := range ctrls {
		if c.State() != StateStopped {
			t.Errorf("camera %d state = %v after Stop", c.ID(), c.State())
		}
	}
	if len(f.registry.List()) != 2 {
		t.Error("Stop() changed the persisted registry")
	}
}

func TestManager_OpenFailureDoesNotAffectOthers(t *testing.T) {
	f := newManagerFixture(t, testFrames(t, 100))
	if err := f.manager.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	f.mu.Lock()
	f.openErr = errors.New("unreachable")
	f.mu.Unlock()
	if err := f.manager.Add(cameraFor(1)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	f.mu.Lock()
	f.openErr = nil
	f.mu.Unlock()
	if err := f.manager.Add(cameraFor(2)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	waitFor(t, "camera 2 rendered", func() bool {
		n, _, _ := f.display.last(2)
		return n > 0
	})

	bad, _ := f.manager.Controller(1)
	if !errors.Is(bad.Err(), capture.ErrConnection) {
		t.Errorf("camera 1 Err() = %v, want ErrConnection", bad.Err())
	}
	if n, _, _ := f.display.last(1); n != 0 {
		t.Errorf("camera 1 rendered %d frames", n)
	}
}

func TestManager_DetectsPlate(t *testing.T) {
	f := newManagerFixture(t, testFrames(t, 100))
	if err := f.store.Save(1, roi.FromPoints(image.Pt(100, 100), image.Pt(300, 200))); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := f.registry.Add(cameraFor(1)); err != nil {
		t.Fatalf("registry.Add() error = %v", err)
	}

	detections := make(chan DetectionState, 16)
	f.manager.OnDetection(func(d DetectionState) {
		select {
		case detections <- d:
		default:
		}
	})

	if err := f.manager.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case d := <-detections:
		if d.CameraID != 1 || d.Plate != "ABC1W23" {
			t.Errorf("detection = %+v", d)
		}
		if d.LastDetection.Before(d.LastDispatch) {
			t.Errorf("LastDetection %v before LastDispatch %v", d.LastDetection, d.LastDispatch)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no detection reported")
	}

	waitFor(t, "plate status on display", func() bool {
		_, _, status := f.display.last(1)
		return status == "plate: ABC1W23"
	})

	states := f.manager.Detections()
	if len(states) != 1 || states[0].Plate != "ABC1W23" {
		t.Errorf("Detections() = %+v", states)
	}
}

func TestManager_UnsetRoiNeverDispatches(t *testing.T) {
	f := newManagerFixture(t, testFrames(t, 30, 220))
	if err := f.manager.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.manager.Add(cameraFor(1)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	waitFor(t, "frames rendered", func() bool {
		n, _, _ := f.display.last(1)
		return n > 10
	})
	// Many gate intervals have elapsed by now.
	time.Sleep(10 * f.manager.config.Scheduler.Interval())

	ctrl, _ := f.manager.Controller(1)
	if ctrl.Dispatches() != 0 || f.recognizer.Calls() != 0 {
		t.Errorf("dispatches = %d, recognizer calls = %d; want 0 with unset roi", ctrl.Dispatches(), f.recognizer.Calls())
	}
}

func TestManager_PauseStopsDispatch(t *testing.T) {
	f := newManagerFixture(t, testFrames(t, 100))
	if err := f.store.Save(1, roi.FromPoints(image.Pt(0, 0), image.Pt(320, 240))); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := f.registry.Add(cameraFor(1)); err != nil {
		t.Fatalf("registry.Add() error = %v", err)
	}

	f.manager.SetEnabled(false)
	if f.manager.IsEnabled() {
		t.Fatal("IsEnabled() = true after SetEnabled(false)")
	}
	if err := f.manager.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "frames rendered", func() bool {
		n, _, _ := f.display.last(1)
		return n > 10
	})
	ctrl, _ := f.manager.Controller(1)
	if ctrl.Dispatches() != 0 {
		t.Errorf("Dispatches() = %d while paused", ctrl.Dispatches())
	}

	f.manager.SetEnabled(true)
	waitFor(t, "dispatch after resume", func() bool { return ctrl.Dispatches() > 0 })
}

func TestManager_LateResultOfRemovedCameraDiscarded(t *testing.T) {
	f := newManagerFixture(t, testFrames(t, 100))
	if err := f.store.Save(1, roi.FromPoints(image.Pt(100, 100), image.Pt(300, 200))); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := f.registry.Add(cameraFor(1)); err != nil {
		t.Fatalf("registry.Add() error = %v", err)
	}

	detections := make(chan DetectionState, 16)
	f.manager.OnDetection(func(d DetectionState) {
		select {
		case detections <- d:
		default:
		}
	})

	f.recognizer.hold()
	if err := f.manager.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-f.recognizer.started:
	case <-time.After(3 * time.Second):
		t.Fatal("recognition did not start")
	}

	// Same id, new stream, while the old recognition is still in flight.
	if err := f.manager.Remove(1); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := f.manager.Add(config.Camera{ID: 1, URL: "rtsp://10.0.0.99:554/other"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	f.recognizer.release()

	select {
	case d := <-detections:
		t.Errorf("result of removed camera applied: %+v", d)
	case <-time.After(200 * time.Millisecond):
	}

	ctrl, ok := f.manager.Controller(1)
	if !ok {
		t.Fatal("re-added camera not live")
	}
	if ctrl.Detection().HasPlate() {
		t.Errorf("re-added camera plate = %q, want none", ctrl.Detection().Plate)
	}
}

func TestManager_ApplyResultIgnoresReplacedController(t *testing.T) {
	f := newManagerFixture(t, testFrames(t, 100))

	if err := f.manager.Add(cameraFor(2)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	old, _ := f.manager.Controller(2)
	if err := f.manager.Remove(2); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := f.manager.Add(cameraFor(2)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	cur, _ := f.manager.Controller(2)

	f.manager.applyResult(Result{CameraID: 2, Plate: "ABC1W23", Found: true, DoneAt: time.Now(), controller: old})
	if cur.Detection().HasPlate() {
		t.Errorf("result of replaced controller applied: %+v", cur.Detection())
	}

	f.manager.applyResult(Result{CameraID: 2, Plate: "ABC1W23", Found: true, DoneAt: time.Now(), controller: cur})
	if cur.Detection().Plate != "ABC1W23" {
		t.Errorf("Plate = %q, want ABC1W23", cur.Detection().Plate)
	}
}

func TestManager_ReAddStartsWithoutRoi(t *testing.T) {
	f := newManagerFixture(t, testFrames(t, 100))

	if err := f.manager.Add(cameraFor(4)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	ctrl, _ := f.manager.Controller(4)
	if err := ctrl.SetRoi(roi.FromPoints(image.Pt(10, 10), image.Pt(100, 50))); err != nil {
		t.Fatalf("SetRoi() error = %v", err)
	}

	if err := f.manager.Remove(4); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	// Remove returns only after the ROI file is gone.
	if _, err := os.Stat(f.store.Path(4)); !os.IsNotExist(err) {
		t.Fatalf("roi file present when Remove returned: %v", err)
	}

	if err := f.manager.Add(cameraFor(4)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	again, _ := f.manager.Controller(4)
	if again.Roi().IsSet() {
		t.Errorf("re-added camera Roi() = %v, want unset", again.Roi())
	}
}
