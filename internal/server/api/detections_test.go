package api

import (
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/guregu/null.v4"

	"github.com/ayusman/platewatch/internal/store"
)

// newTestStore creates a new Store in a temporary directory.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func seedHistory(t *testing.T, s *store.Store) []*store.Detection {
	t.Helper()

	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	seeds := []*store.Detection{
		{CameraID: 1, Plate: null.StringFrom("ABC1W23"), DetectedAt: base},
		{CameraID: 1, DetectedAt: base.Add(time.Second)},
		{CameraID: 2, Plate: null.StringFrom("XYZ9K88"), DetectedAt: base.Add(2 * time.Second),
			DispatchedAt: null.TimeFrom(base.Add(1500 * time.Millisecond))},
		{CameraID: 2, Plate: null.StringFrom("ABC1W23"), DetectedAt: base.Add(3 * time.Second)},
	}
	for _, d := range seeds {
		if err := s.Detections().Create(d); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	return seeds
}

func TestHistoryHandler_List(t *testing.T) {
	s := newTestStore(t)
	seedHistory(t, s)
	h := NewHistoryHandler(s).Routes()

	tests := []struct {
		name       string
		query      string
		wantPlates []string
	}{
		{"all newest first", "/", []string{"ABC1W23", "XYZ9K88", "", "ABC1W23"}},
		{"by camera", "/?camera_id=1", []string{"", "ABC1W23"}},
		{"by plate", "/?plate=ABC1W23", []string{"ABC1W23", "ABC1W23"}},
		{"plates only", "/?plates_only=true", []string{"ABC1W23", "XYZ9K88", "ABC1W23"}},
		{"limit", "/?limit=2", []string{"ABC1W23", "XYZ9K88"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptestDo(h, http.MethodGet, tt.query)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
			}

			var resp listDetectionsResponse
			decode(t, rec, &resp)
			if resp.Total != len(tt.wantPlates) {
				t.Fatalf("Total = %d, want %d", resp.Total, len(tt.wantPlates))
			}
			for i, want := range tt.wantPlates {
				if got := resp.Detections[i].Plate.String; got != want {
					t.Errorf("detections[%d].Plate = %q, want %q", i, got, want)
				}
				if resp.Detections[i].Plate.Valid != (want != "") {
					t.Errorf("detections[%d].Plate.Valid = %v", i, resp.Detections[i].Plate.Valid)
				}
			}
		})
	}
}

func TestHistoryHandler_ListInvalidQuery(t *testing.T) {
	h := NewHistoryHandler(newTestStore(t)).Routes()

	for _, query := range []string{"/?camera_id=x", "/?camera_id=0", "/?limit=-3", "/?limit=many"} {
		rec := httptestDo(h, http.MethodGet, query)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want %d", query, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestHistoryHandler_Get(t *testing.T) {
	s := newTestStore(t)
	seeds := seedHistory(t, s)
	h := NewHistoryHandler(s).Routes()

	rec := httptestDo(h, http.MethodGet, "/"+seeds[2].ID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var d detectionResponse
	decode(t, rec, &d)
	if d.ID != seeds[2].ID || d.CameraID != 2 {
		t.Errorf("got %+v", d)
	}
	if d.DetectedAt != "2024-05-01T08:00:02Z" {
		t.Errorf("DetectedAt = %q", d.DetectedAt)
	}
	if !d.DispatchedAt.Valid {
		t.Error("DispatchedAt should be set")
	}

	if rec := httptestDo(h, http.MethodGet, "/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("missing status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
