// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spoolwatch/spoolwatch/internal/config"
	"github.com/spoolwatch/spoolwatch/internal/models"
)

func TestNextBackoff(t *testing.T) {
	t.Parallel()

	base := 2 * time.Second
	max := 60 * time.Second

	// Doubling schedule from the base, clamped at the maximum.
	schedule := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}

	current := time.Duration(0)
	for i, want := range schedule {
		current = NextBackoff(current, base, max)
		if current != want {
			t.Fatalf("attempt %d: backoff = %v, want %v", i+1, current, want)
		}
	}
}

// recordingSink collects frames and status updates from a Conn.
type recordingSink struct {
	mu       sync.Mutex
	frames   []*Frame
	statuses []bool
}

func (s *recordingSink) ApplyDeviceFrame(frame *Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *recordingSink) SetDeviceStatus(connected bool, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, connected)
}

func (s *recordingSink) schemaFrames() []*Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Frame
	for _, f := range s.frames {
		if f.Match == MatchSchema {
			out = append(out, f)
		}
	}
	return out
}

func (s *recordingSink) sawConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.statuses {
		if c {
			return true
		}
	}
	return false
}

// deviceFixture is a minimal schema frame for the fake device.
const deviceFixture = `{"boxsInfo":{"materialBoxs":[{"id":1,"state":"connect","materials":[{"id":0,"state":2,"type":"PLA","remainLen":1000}]}]}}`

// fakeDevice emulates the device's WebSocket endpoint: acks the handshake
// probe, emits a burst, answers heartbeats, then serves frames until closed.
func fakeDevice(t *testing.T, burst int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		// The client's handshake probe arrives first; answer with the ack.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte("ok")); err != nil {
			return
		}

		for i := 0; i < burst; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(deviceFixture)); err != nil {
				return
			}
		}

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// Status requests get a frame, anything else is ignored.
			if strings.Contains(string(msg), "boxsInfo") {
				if err := conn.WriteMessage(websocket.TextMessage, []byte(deviceFixture)); err != nil {
					return
				}
			}
		}
	}))
}

func TestConnSessionDeliversFrames(t *testing.T) {
	t.Parallel()

	server := fakeDevice(t, 3)
	defer server.Close()

	host, port := splitHostPort(t, server.Listener.Addr().String())
	sink := &recordingSink{}
	conn := NewConn(config.DeviceConfig{
		Enabled:          true,
		Host:             host,
		Port:             port,
		StatusInterval:   50 * time.Millisecond,
		ReadTimeout:      time.Second,
		BurstDrainCount:  2,
		BurstDrainWindow: 200 * time.Millisecond,
		AckWindow:        4,
		ReconnectBase:    50 * time.Millisecond,
		ReconnectMax:     time.Second,
	}, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = conn.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if len(sink.schemaFrames()) > 0 && sink.sawConnected() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no schema frames delivered before deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	frame := sink.schemaFrames()[0]
	snap := frame.Slots["1A"]
	if snap == nil || snap.Material != models.MaterialPLA {
		t.Errorf("delivered frame slot 1A = %+v, want PLA", snap)
	}
}

func TestConnSurvivesQuietDevice(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	statusReqs := 0

	// Acks the handshake probe, then goes quiet with the socket open while
	// counting every status request the client sends.
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte("ok")); err != nil {
			return
		}
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(msg), "boxsInfo") {
				mu.Lock()
				statusReqs++
				mu.Unlock()
			}
		}
	}))
	defer server.Close()

	host, port := splitHostPort(t, server.Listener.Addr().String())
	sink := &recordingSink{}
	conn := NewConn(config.DeviceConfig{
		Enabled:          true,
		Host:             host,
		Port:             port,
		StatusInterval:   10 * time.Second,
		ReadTimeout:      50 * time.Millisecond,
		BurstDrainCount:  2,
		BurstDrainWindow: 100 * time.Millisecond,
		AckWindow:        4,
		ReconnectBase:    50 * time.Millisecond,
		ReconnectMax:     time.Second,
	}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = conn.Run(ctx)
		close(done)
	}()

	// Each quiet period produces a fresh status request on the same
	// session; the connection must not be torn down between them.
	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		n := statusReqs
		mu.Unlock()
		if n >= 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("got %d status requests during silence, want at least 3", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if !sink.sawConnected() {
		t.Error("session never reached the active phase")
	}
	sink.mu.Lock()
	last := sink.statuses[len(sink.statuses)-1]
	sink.mu.Unlock()
	if !last {
		t.Error("session dropped while the device was merely quiet")
	}

	cancel()
	<-done
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		t.Fatalf("malformed addr %q", addr)
	}
	port := 0
	for _, ch := range addr[idx+1:] {
		port = port*10 + int(ch-'0')
	}
	return addr[:idx], port
}
