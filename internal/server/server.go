package server

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/astanton/acir-dash/internal/logger"
	"github.com/astanton/acir-dash/internal/meter"
	"github.com/astanton/acir-dash/internal/session"
	"github.com/gorilla/websocket"
)

// Server coordinates the meter reader pipeline and broadcasts live data
// to WebSocket clients.
type Server struct {
	cfg     *Config
	prov    meter.Provider
	webFS   fs.FS
	capture *logger.Capture

	sess   *session.Session
	sessMu sync.Mutex

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Sample     *meter.Sample     `json:"sample,omitempty"`
	Status     string            `json:"status,omitempty"`
	State      string            `json:"state,omitempty"`
	Progress   float64           `json:"progress"`
	Readings   []session.Reading `json:"readings,omitempty"`
	Buffer     []meter.Sample    `json:"buffer,omitempty"`
	ActiveCell int               `json:"activeCell,omitempty"`
	Config     *MeasureConfig    `json:"config,omitempty"`
	Saved      bool              `json:"saved,omitempty"`
	Sound      bool              `json:"sound,omitempty"`
	Stamp      int64             `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, prov meter.Provider, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		prov:    prov,
		webFS:   webFS,
		capture: logger.New(cfg.Capture),
		sess:    session.New(cfg.SessionConfig()),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run starts the HTTP server and the reader pipeline.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	// Serve embedded web files
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	// Reading log API
	mux.HandleFunc("/api/readings", s.handleReadings)
	mux.HandleFunc("/api/readings/remove", s.handleRemoveReading)
	mux.HandleFunc("/api/readings/clear", s.handleClearReadings)
	mux.HandleFunc("/api/buffer/remove", s.handleRemoveBuffered)
	mux.HandleFunc("/api/export", s.handleExport)
	mux.HandleFunc("/api/import", s.handleImport)

	go s.readLoop(ctx)
	go s.watchdogLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		s.capture.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	return srv.ListenAndServe()
}

// readRetryDelay paces the reader while the provider is erroring, so a
// port that is not open yet does not spin the loop.
const readRetryDelay = 250 * time.Millisecond

// readLoop is the one goroutine that owns the byte stream: it awaits
// the next chunk, feeds it through reassembly and the state machine,
// and broadcasts the resulting updates. Samples are processed strictly
// in arrival order; nothing else decodes.
//
// Read errors are retryable: the provider connects asynchronously, so
// an early error usually just means the dialer has not opened the port
// yet. A drop is only surfaced once bytes have actually flowed.
func (s *Server) readLoop(ctx context.Context) {
	buf := make([]byte, 256)
	streaming := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := s.prov.Read(buf)
		if err != nil {
			if streaming {
				streaming = false
				log.Printf("[server] meter read failed: %v", err)
				s.sessMu.Lock()
				s.sess.Disconnect()
				frame := s.stateFrameLocked()
				s.sessMu.Unlock()
				s.broadcast(frame)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}
		if n == 0 {
			continue // read timeout, no data
		}
		streaming = true

		now := time.Now()
		s.sessMu.Lock()
		updates := s.sess.Feed(now, buf[:n])
		s.sessMu.Unlock()

		for _, upd := range updates {
			if upd.Sample != nil {
				s.capture.Record(*upd.Sample, upd.State.String(), upd.Progress)
			}
			s.broadcastUpdate(upd)
		}
	}
}

// watchdogLoop drives the session's no-signal watchdog while the meter
// is silent.
func (s *Server) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sessMu.Lock()
			upd, changed := s.sess.Tick(time.Now())
			s.sessMu.Unlock()
			if changed {
				s.broadcastUpdate(upd)
			}
		}
	}
}

func (s *Server) broadcastUpdate(upd session.Update) {
	frame := Frame{
		Sample:   upd.Sample,
		Status:   upd.Status,
		State:    upd.State.String(),
		Progress: upd.Progress,
		Saved:    upd.Saved,
		Sound:    upd.Sound && s.cfg.Measure.SoundEnabled,
		Stamp:    time.Now().UnixMilli(),
	}
	if upd.Saved || upd.Sound {
		// The log or buffer changed; ship the new contents.
		s.sessMu.Lock()
		frame.Readings = s.sess.Log().Readings()
		frame.Buffer = s.sess.Buffered()
		frame.ActiveCell = s.sess.Log().ActiveCell()
		s.sessMu.Unlock()
	}
	s.broadcast(frame)
}

// stateFrameLocked builds a full-state frame. Callers hold sessMu.
func (s *Server) stateFrameLocked() Frame {
	return Frame{
		Status:     s.sess.Status(),
		State:      s.sess.State().String(),
		Progress:   s.sess.Progress(),
		Readings:   s.sess.Log().Readings(),
		Buffer:     s.sess.Buffered(),
		ActiveCell: s.sess.Log().ActiveCell(),
		Config:     &s.cfg.Measure,
		Stamp:      time.Now().UnixMilli(),
	}
}

func (s *Server) broadcastState() {
	s.sessMu.Lock()
	frame := s.stateFrameLocked()
	s.sessMu.Unlock()
	s.broadcast(frame)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", len(s.clients))

	// Send initial full state + config
	s.sessMu.Lock()
	initial := s.stateFrameLocked()
	s.sessMu.Unlock()
	if data, err := json.Marshal(initial); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (handle incoming messages / keep-alive)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", len(s.clients))
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}

		// Push the new policy into the running session
		s.sessMu.Lock()
		s.sess.SetConfig(s.cfg.SessionConfig())
		s.sessMu.Unlock()
		s.capture.SetEnabled(s.cfg.Capture.Enabled)
		s.broadcastState()

		writeOK(w)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.sessMu.Lock()
	readings := s.sess.Log().Readings()
	s.sessMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(readings)
}

// handleRemoveReading deletes one logged reading so its cell can be
// retested; the next completed cycle fills that slot.
func (s *Server) handleRemoveReading(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	cell, err := strconv.Atoi(r.URL.Query().Get("cell"))
	if err != nil {
		http.Error(w, "bad cell", 400)
		return
	}

	s.sessMu.Lock()
	ok := s.sess.RemoveCell(cell)
	s.sessMu.Unlock()
	if !ok {
		http.Error(w, "no such cell", 404)
		return
	}

	s.broadcastState()
	writeOK(w)
}

func (s *Server) handleClearReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.sessMu.Lock()
	s.sess.ClearLog()
	s.sessMu.Unlock()

	s.broadcastState()
	writeOK(w)
}

// handleRemoveBuffered rejects one in-progress sub-reading by position.
func (s *Server) handleRemoveBuffered(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	pos, err := strconv.Atoi(r.URL.Query().Get("pos"))
	if err != nil {
		http.Error(w, "bad pos", 400)
		return
	}

	s.sessMu.Lock()
	ok := s.sess.RemoveBuffered(pos)
	s.sessMu.Unlock()
	if !ok {
		http.Error(w, "no such sample", 404)
		return
	}

	s.broadcastState()
	writeOK(w)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	s.sessMu.Lock()
	readings := s.sess.Log().Readings()
	label := s.sess.ExportLabel()
	s.sessMu.Unlock()

	filename := session.ExportFilename(time.Now(), label)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := session.ExportCSV(w, readings); err != nil {
		log.Printf("[server] export failed: %v", err)
	}
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	readings, err := session.ImportCSV(r.Body)
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	s.sessMu.Lock()
	s.sess.Import(readings)
	s.sessMu.Unlock()

	log.Printf("[server] imported %d readings", len(readings))
	s.broadcastState()
	writeOK(w)
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
