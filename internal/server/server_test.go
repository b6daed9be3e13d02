package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tessel-systems/xdmcpd/internal/server"
	"github.com/tessel-systems/xdmcpd/internal/xdmcp"
)

// fakeManager implements server.Manager for tests, avoiding the overhead
// of standing up a real xdmcp.Manager and its socket/sender dependencies.
// Its Subscribe/Unsubscribe give every caller an independent channel, the
// same fan-out contract the real xdmcp.Manager provides.
type fakeManager struct {
	snapshot   []xdmcp.Display
	chosenErr  error
	gotID      uint32
	gotHost    string
	chosenCall bool

	mu     sync.Mutex
	subs   map[int]chan xdmcp.DisplayNotification
	nextID int
}

func newFakeManager() *fakeManager {
	return &fakeManager{subs: make(map[int]chan xdmcp.DisplayNotification)}
}

func (f *fakeManager) Snapshot() []xdmcp.Display { return f.snapshot }

func (f *fakeManager) Subscribe() (int, <-chan xdmcp.DisplayNotification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ch := make(chan xdmcp.DisplayNotification, 8)
	f.subs[f.nextID] = ch
	return f.nextID, ch
}

func (f *fakeManager) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
	}
}

func (f *fakeManager) publish(n xdmcp.DisplayNotification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- n
	}
}

func (f *fakeManager) DeliverChosen(_ context.Context, indirectID uint32, host string) error {
	f.chosenCall = true
	f.gotID = indirectID
	f.gotHost = host
	return f.chosenErr
}

func setupTestServer(t *testing.T) (*httptest.Server, *fakeManager) {
	t.Helper()

	mgr := newFakeManager()
	logger := slog.New(slog.DiscardHandler)

	srv := httptest.NewServer(server.New(mgr, logger))
	t.Cleanup(srv.Close)

	return srv, mgr
}

func TestListDisplaysEmpty(t *testing.T) {
	t.Parallel()

	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/displays")
	if err != nil {
		t.Fatalf("GET /v1/displays: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var out []server.DisplayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("len(out) = %d, want 0", len(out))
	}
}

func TestListAndGetDisplay(t *testing.T) {
	t.Parallel()

	srv, mgr := setupTestServer(t)

	mgr.snapshot = []xdmcp.Display{
		{
			SessionID:     42,
			RemoteAddr:    netip.MustParseAddrPort("10.0.0.5:1024"),
			DisplayNumber: 0,
			Status:        xdmcp.StatusManaged,
			Hostname:      xdmcp.Hostname{Name: "workstation1"},
			AcceptTime:    time.Now(),
		},
	}

	resp, err := http.Get(srv.URL + "/v1/displays")
	if err != nil {
		t.Fatalf("GET /v1/displays: %v", err)
	}
	defer resp.Body.Close()

	var out []server.DisplayResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out) != 1 || out[0].SessionID != 42 {
		t.Fatalf("unexpected list response: %+v", out)
	}

	// Lookup by session id.
	resp2, err := http.Get(srv.URL + "/v1/displays/42")
	if err != nil {
		t.Fatalf("GET /v1/displays/42: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp2.StatusCode, http.StatusOK)
	}

	// Lookup by hostname:display-number.
	resp3, err := http.Get(srv.URL + "/v1/displays/workstation1:0")
	if err != nil {
		t.Fatalf("GET /v1/displays/workstation1:0: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp3.StatusCode, http.StatusOK)
	}
}

func TestGetDisplayNotFound(t *testing.T) {
	t.Parallel()

	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/displays/999")
	if err != nil {
		t.Fatalf("GET /v1/displays/999: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestPostChosen(t *testing.T) {
	t.Parallel()

	srv, mgr := setupTestServer(t)

	body := strings.NewReader(`{"indirect_id":7,"host":"10.0.0.9"}`)
	resp, err := http.Post(srv.URL+"/v1/chosen", "application/json", body)
	if err != nil {
		t.Fatalf("POST /v1/chosen: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if !mgr.chosenCall || mgr.gotID != 7 || mgr.gotHost != "10.0.0.9" {
		t.Errorf("DeliverChosen not called with expected args: %+v", mgr)
	}
}

func TestPostChosenMissingHost(t *testing.T) {
	t.Parallel()

	srv, _ := setupTestServer(t)

	body := strings.NewReader(`{"indirect_id":7}`)
	resp, err := http.Post(srv.URL+"/v1/chosen", "application/json", body)
	if err != nil {
		t.Fatalf("POST /v1/chosen: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestPostChosenNotFound(t *testing.T) {
	t.Parallel()

	srv, mgr := setupTestServer(t)
	mgr.chosenErr = fmt.Errorf("resolve: %w", xdmcp.ErrIndirectNotFound)

	body := strings.NewReader(`{"indirect_id":7,"host":"10.0.0.9"}`)
	resp, err := http.Post(srv.URL+"/v1/chosen", "application/json", body)
	if err != nil {
		t.Fatalf("POST /v1/chosen: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestEventsStream(t *testing.T) {
	t.Parallel()

	srv, mgr := setupTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /v1/events: %v", err)
	}
	defer resp.Body.Close()

	mgr.publish(xdmcp.DisplayNotification{
		Display: xdmcp.Display{SessionID: 99},
		Event:   xdmcp.EventManage,
		At:      time.Now(),
	})

	evt := readOneSSEEvent(t, resp.Body)
	if evt.Event != "manage" || evt.Display.SessionID != 99 {
		t.Errorf("unexpected event payload: %+v", evt)
	}
}

// TestEventsStreamFanOutToEverySubscriber pins down the fix for a bug
// where every /v1/events client shared one channel: with two concurrent
// subscribers, a single published notification must reach both, not get
// consumed by whichever client happened to read first.
func TestEventsStreamFanOutToEverySubscriber(t *testing.T) {
	t.Parallel()

	srv, mgr := setupTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	openStream := func() *http.Response {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET /v1/events: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp1 := openStream()
	resp2 := openStream()

	// Give both handler goroutines a moment to reach Subscribe() before
	// publishing -- the same small window TestEventsStream already
	// tolerates between header-flush and subscription.
	time.Sleep(50 * time.Millisecond)

	mgr.publish(xdmcp.DisplayNotification{
		Display: xdmcp.Display{SessionID: 7},
		Event:   xdmcp.EventDispose,
		At:      time.Now(),
	})

	evt1 := readOneSSEEvent(t, resp1.Body)
	evt2 := readOneSSEEvent(t, resp2.Body)

	if evt1.Display.SessionID != 7 || evt1.Event != "dispose" {
		t.Errorf("subscriber 1 got unexpected payload: %+v", evt1)
	}
	if evt2.Display.SessionID != 7 || evt2.Event != "dispose" {
		t.Errorf("subscriber 2 got unexpected payload: %+v", evt2)
	}
}

func readOneSSEEvent(t *testing.T, body io.Reader) server.EventResponse {
	t.Helper()

	reader := bufio.NewReader(body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read SSE line: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("unexpected SSE line: %q", line)
	}

	var evt server.EventResponse
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return evt
}
