package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/meshcall/internal/bus"
	"github.com/dkeye/meshcall/internal/config"
	"github.com/dkeye/meshcall/internal/core"
	"github.com/dkeye/meshcall/internal/core/mock"
	"github.com/dkeye/meshcall/internal/domain"
	"github.com/dkeye/meshcall/internal/media"
	"github.com/dkeye/meshcall/internal/mesh"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/mock/gomock"
)

var testConfig = &config.Config{Mode: "test", Topic: "room"}

func runController(t *testing.T, src core.MediaSource) *mesh.Controller {
	t.Helper()
	endpoint := bus.NewNetwork().Join("room")
	ctrl := mesh.New(mesh.Options{
		Identity:    "a",
		Bus:         endpoint,
		Media:       src,
		Constraints: core.Constraints{Audio: true},
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctrl.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		endpoint.Close()
	})
	return ctrl
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestSessionLifecycle(t *testing.T) {
	ctrl := runController(t, media.NewSynthetic())
	r := SetupRouter(testConfig, ctrl)

	w := do(t, r, http.MethodGet, "/api/whoami")
	if w.Code != http.StatusOK {
		t.Fatalf("whoami status %d", w.Code)
	}
	var who struct {
		ID     string `json:"id"`
		Topic  string `json:"topic"`
		Active bool   `json:"active"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &who); err != nil {
		t.Fatal(err)
	}
	if who.ID != "a" || who.Topic != "room" || who.Active {
		t.Fatalf("whoami = %+v", who)
	}

	if w := do(t, r, http.MethodPost, "/api/session"); w.Code != http.StatusOK {
		t.Fatalf("start status %d: %s", w.Code, w.Body)
	}
	if !ctrl.Active() {
		t.Fatal("session not active after POST")
	}
	if w := do(t, r, http.MethodPost, "/api/session"); w.Code != http.StatusConflict {
		t.Fatalf("second start status %d, want 409", w.Code)
	}
	if w := do(t, r, http.MethodDelete, "/api/session"); w.Code != http.StatusOK {
		t.Fatalf("finish status %d", w.Code)
	}
	if ctrl.Active() {
		t.Fatal("session still active after DELETE")
	}
}

func TestStartMediaFailure(t *testing.T) {
	mc := gomock.NewController(t)
	src := mock.NewMockMediaSource(mc)
	src.EXPECT().Acquire(gomock.Any(), core.Constraints{Audio: true}).Return(nil, media.ErrMediaUnavailable)

	r := SetupRouter(testConfig, runController(t, src))
	if w := do(t, r, http.MethodPost, "/api/session"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", w.Code)
	}
}

// staticSession serves a fixed snapshot.
type staticSession struct {
	snap mesh.Snapshot
}

func (s *staticSession) Identity() domain.ParticipantID  { return "a" }
func (s *staticSession) Active() bool                    { return true }
func (s *staticSession) Start(context.Context) error     { return nil }
func (s *staticSession) Finish(context.Context) error    { return nil }
func (s *staticSession) Peers() mesh.Snapshot            { return s.snap }
func (s *staticSession) Stats() mesh.StatsSnapshot       { return mesh.StatsSnapshot{Routed: 3, Dropped: 1} }
func (s *staticSession) Watch() (<-chan mesh.Snapshot, func()) {
	ch := make(chan mesh.Snapshot, 1)
	ch <- s.snap
	return ch, func() {}
}

func newStaticSession() *staticSession {
	return &staticSession{snap: mesh.Snapshot{
		"c": {ID: "c", Role: domain.RoleOffering},
		"b": {ID: "b", Role: domain.RoleStable},
	}}
}

func TestPeersAndStats(t *testing.T) {
	r := SetupRouter(testConfig, newStaticSession())

	w := do(t, r, http.MethodGet, "/api/peers")
	want := `{"peers":[{"id":"b","role":"stable"},{"id":"c","role":"offering"}]}`
	if diff := cmp.Diff(want, w.Body.String()); diff != "" {
		t.Fatalf("peers body (-want +got):\n%s", diff)
	}

	w = do(t, r, http.MethodGet, "/api/stats")
	var stats mesh.StatsSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(mesh.StatsSnapshot{Routed: 3, Dropped: 1}, stats); diff != "" {
		t.Fatalf("stats (-want +got):\n%s", diff)
	}
}

func TestPeerEvents(t *testing.T) {
	srv := httptest.NewServer(SetupRouter(testConfig, newStaticSession()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/peers/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}

	var event, data string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if v, ok := strings.CutPrefix(line, "event:"); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = v
			break
		}
	}
	if event != "peers" {
		t.Fatalf("event = %q", event)
	}
	want := `[{"id":"b","role":"stable"},{"id":"c","role":"offering"}]`
	if data != want {
		t.Fatalf("data = %q, want %q", data, want)
	}
}
