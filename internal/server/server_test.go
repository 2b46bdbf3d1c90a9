package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/astanton/acir-dash/internal/meter"
	"github.com/astanton/acir-dash/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider satisfies meter.Provider without touching hardware.
type stubProvider struct{}

func (stubProvider) Name() string   { return "stub" }
func (stubProvider) Connect() error { return nil }
func (stubProvider) Close() error   { return nil }

func (stubProvider) Read(p []byte) (int, error) { return 0, nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	cfg.Capture.Enabled = false
	return New(cfg, stubProvider{}, fstest.MapFS{})
}

// lateProvider refuses reads until Connect has been called, the way a
// real serial port behaves while the backoff dialer is still working.
type lateProvider struct {
	mu        sync.Mutex
	connected bool
	packet    [meter.PacketSize]byte
}

func (p *lateProvider) Name() string { return "late" }

func (p *lateProvider) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *lateProvider) Close() error { return nil }

func (p *lateProvider) Read(b []byte) (int, error) {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if !connected {
		return 0, errors.New("late: not connected")
	}
	time.Sleep(10 * time.Millisecond)
	return copy(b, p.packet[:]), nil
}

func TestReadLoopSurvivesLateConnect(t *testing.T) {
	prov := &lateProvider{
		packet: meter.EncodePacket(meter.Sample{Voltage: 3.65, Resistance: 18.2, Unit: meter.UnitMilliohm}),
	}
	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	s := New(cfg, prov, fstest.MapFS{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.readLoop(ctx)

	// The dialer has not connected yet: reads fail, and the loop must
	// keep polling rather than declare the connection lost.
	time.Sleep(50 * time.Millisecond)
	s.sessMu.Lock()
	state := s.sess.State()
	status := s.sess.Status()
	s.sessMu.Unlock()
	assert.Equal(t, session.StateAwaitingConnection, state)
	assert.Equal(t, session.StatusWaitingForMeter, status)

	require.NoError(t, prov.Connect())

	// Once the port opens, packets flow and the session comes alive.
	assert.Eventually(t, func() bool {
		s.sessMu.Lock()
		defer s.sessMu.Unlock()
		return s.sess.State() == session.StateAccumulating
	}, 2*time.Second, 20*time.Millisecond)
}

func TestHandleReadingsEmpty(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.handleReadings(w, httptest.NewRequest(http.MethodGet, "/api/readings", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var readings []session.Reading
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &readings))
	assert.Empty(t, readings)
}

func TestHandleImportAndExport(t *testing.T) {
	s := newTestServer(t)

	csvIn := strings.Join([]string{
		"Cell #,Type,Voltage,ACIR,Time",
		"1,18650,3.6412V,18.2041 mΩ,2026-08-31T10:15:04Z",
		"2,18650,3.7001V,17.9000 mΩ,2026-08-31T10:16:10Z",
	}, "\n")

	w := httptest.NewRecorder()
	s.handleImport(w, httptest.NewRequest(http.MethodPost, "/api/import", strings.NewReader(csvIn)))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	s.handleReadings(w, httptest.NewRequest(http.MethodGet, "/api/readings", nil))
	var readings []session.Reading
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &readings))
	require.Len(t, readings, 2)
	assert.Equal(t, 2, readings[0].CellIndex) // descending order
	assert.Equal(t, "3.6412", readings[1].Voltage)

	w = httptest.NewRecorder()
	s.handleExport(w, httptest.NewRequest(http.MethodGet, "/api/export", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".csv")
	assert.Contains(t, w.Body.String(), "Cell #,Type,Voltage,ACIR,Time")
	assert.Contains(t, w.Body.String(), "1,18650,3.6412V,18.2041 mΩ,2026-08-31T10:15:04Z")
}

func TestHandleImportRejectsEmpty(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.handleImport(w, httptest.NewRequest(http.MethodPost, "/api/import", strings.NewReader("")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A failed import leaves the log untouched.
	assert.Equal(t, 0, s.sess.Log().Len())
}

func TestHandleRemoveReading(t *testing.T) {
	s := newTestServer(t)
	s.sess.Import([]session.Reading{
		{CellIndex: 1, CellLabel: "18650", Voltage: "3.6412", Resistance: "18.2041", Timestamp: time.Now()},
	})

	w := httptest.NewRecorder()
	s.handleRemoveReading(w, httptest.NewRequest(http.MethodPost, "/api/readings/remove?cell=9", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	s.handleRemoveReading(w, httptest.NewRequest(http.MethodPost, "/api/readings/remove?cell=1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, s.sess.Log().Len())
	assert.Equal(t, 1, s.sess.Log().ActiveCell())

	w = httptest.NewRecorder()
	s.handleRemoveReading(w, httptest.NewRequest(http.MethodPost, "/api/readings/remove?cell=junk", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleClearReadings(t *testing.T) {
	s := newTestServer(t)
	s.sess.Import([]session.Reading{
		{CellIndex: 1, Voltage: "3.6", Resistance: "18.2"},
		{CellIndex: 2, Voltage: "3.7", Resistance: "17.9"},
	})

	w := httptest.NewRecorder()
	s.handleClearReadings(w, httptest.NewRequest(http.MethodPost, "/api/readings/clear", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, s.sess.Log().Len())
}

func TestHandleRemoveBufferedOutOfRange(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.handleRemoveBuffered(w, httptest.NewRequest(http.MethodPost, "/api/buffer/remove?pos=0", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleConfigRoundTrip(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.handleConfig(w, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	measure := got["measure"].(map[string]any)
	assert.Equal(t, "18650", measure["cellType"])

	patch := `{"measure":{"cellType":"21700","readingCount":5}}`
	w = httptest.NewRecorder()
	s.handleConfig(w, httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(patch)))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "21700", s.cfg.Measure.CellType)
	assert.Equal(t, 5, s.cfg.Measure.ReadingCount)
	// Untouched fields keep their values.
	assert.Equal(t, 115200, s.cfg.Meter.BaudRate)

	// The update persisted to disk.
	data, err := os.ReadFile(s.cfg.path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "cell_type: \"21700\"")

	w = httptest.NewRecorder()
	s.handleConfig(w, httptest.NewRequest(http.MethodDelete, "/api/config", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMethodGuards(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		handler http.HandlerFunc
		method  string
		url     string
	}{
		{s.handleReadings, http.MethodPost, "/api/readings"},
		{s.handleRemoveReading, http.MethodGet, "/api/readings/remove?cell=1"},
		{s.handleClearReadings, http.MethodGet, "/api/readings/clear"},
		{s.handleRemoveBuffered, http.MethodGet, "/api/buffer/remove?pos=0"},
		{s.handleExport, http.MethodPost, "/api/export"},
		{s.handleImport, http.MethodGet, "/api/import"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		tc.handler(w, httptest.NewRequest(tc.method, tc.url, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "%s %s", tc.method, tc.url)
	}
}
