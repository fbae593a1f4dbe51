// Spoolwatch - CFS Filament Inventory Reconciliation
// Copyright 2026 Spoolwatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/spoolwatch/spoolwatch

/*
conn.go - Device Connection Manager

Owns the long-lived WebSocket session to the CFS device. The session moves
through connecting → handshaking → draining-burst → active; any transport
error tears the session down and the outer loop reconnects with exponential
backoff. Firmware behavior that looks broken (missing handshake acks,
unsolicited frame bursts right after connect, heartbeats that must be acked
instantly or the device drops the link) is normal here and handled inline.
*/

package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spoolwatch/spoolwatch/internal/config"
	"github.com/spoolwatch/spoolwatch/internal/logging"
	"github.com/spoolwatch/spoolwatch/internal/metrics"
)

// SessionState names the phases of one device session.
type SessionState string

const (
	StateConnecting  SessionState = "connecting"
	StateHandshaking SessionState = "handshaking"
	StateDraining    SessionState = "draining-burst"
	StateActive      SessionState = "active"
	StateClosed      SessionState = "closed"
	StateFailed      SessionState = "failed"
)

// Wire tokens. The device interleaves textual control frames with JSON data
// frames on the same socket.
var (
	// ackToken is the literal handshake acknowledgment.
	ackToken = []byte("ok")
	// heartbeatMarker identifies a device heartbeat frame. Checked before
	// any JSON decoding; heartbeats must be acked immediately.
	heartbeatMarker = []byte("heart_beat")
	// heartbeatMsg is both the handshake probe and the heartbeat ack.
	heartbeatMsg = []byte(`{"ModeCode":"heart_beat"}`)
	// statusRequest names the status topic we want pushed.
	statusRequest = []byte(`{"method":"get","params":{"boxsInfo":1}}`)
)

// StatusSink receives normalized frames and connectivity transitions from
// the connection manager. Implemented by the reconciliation engine.
type StatusSink interface {
	ApplyDeviceFrame(frame *Frame)
	SetDeviceStatus(connected bool, lastErr string)
}

// Conn manages the device WebSocket session and its reconnect loop.
type Conn struct {
	cfg  config.DeviceConfig
	sink StatusSink

	// writeMu serializes writes; the receive loop issues both heartbeat
	// acks and status requests on the same socket.
	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewConn creates a connection manager. Call Run to start it.
func NewConn(cfg config.DeviceConfig, sink StatusSink) *Conn {
	return &Conn{cfg: cfg, sink: sink}
}

// deviceURL is the fixed WebSocket endpoint of the device.
func (c *Conn) deviceURL() string {
	return fmt.Sprintf("ws://%s:%d/", c.cfg.Host, c.cfg.Port)
}

// Run drives sessions until the context is canceled. Each failed session
// doubles the reconnect delay up to the cap; a clean session resets it to
// the base.
func (c *Conn) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectBase

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		clean, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if clean {
			delay = c.cfg.ReconnectBase
		} else {
			logging.Warn().Err(err).Dur("retry_in", delay).Msg("device session ended, reconnecting")
			metrics.DeviceReconnects.Inc()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay = NextBackoff(delay, c.cfg.ReconnectBase, c.cfg.ReconnectMax)
		}
	}
}

// NextBackoff doubles the current delay, clamped to [base, max].
func NextBackoff(current, base, max time.Duration) time.Duration {
	if current < base {
		return base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// session runs one full connection lifecycle. Returns clean=true when the
// session ended by cancellation or an orderly close after reaching the
// active phase.
func (c *Conn) session(ctx context.Context) (clean bool, err error) {
	c.setState(StateConnecting, "")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.deviceURL(), nil)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	if err != nil {
		c.setState(StateFailed, fmt.Sprintf("dial: %v", err))
		return false, fmt.Errorf("device dial: %w", err)
	}
	c.conn = conn
	defer c.closeConn()

	// Cancellation must unblock the read loop.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	// All reads happen on one goroutine with no read deadline. A gorilla
	// connection is unusable after any read error, deadline expiry included,
	// so quiet periods are detected with timers around the channel instead
	// of deadlines on the socket.
	done := make(chan struct{})
	defer close(done)
	reads := c.startReader(done)

	if err := c.handshake(reads); err != nil {
		c.setState(StateFailed, err.Error())
		return ctx.Err() != nil, err
	}

	if err := c.drainBurst(reads); err != nil {
		c.setState(StateFailed, err.Error())
		return ctx.Err() != nil, err
	}

	c.setState(StateActive, "")
	err = c.receiveLoop(ctx, reads)

	if ctx.Err() != nil || isNormalClose(err) {
		c.setState(StateClosed, "")
		return true, nil
	}
	c.setState(StateFailed, err.Error())
	return false, err
}

// readResult carries one socket read from the reader goroutine.
type readResult struct {
	data []byte
	err  error
}

// startReader owns all reads for the session. It delivers every message and
// the terminal error over the channel, then exits; the channel is closed
// when the goroutine returns. Cancellation unblocks the pending read through
// the conn.Close hook installed in session.
func (c *Conn) startReader(done <-chan struct{}) <-chan readResult {
	conn := c.conn
	ch := make(chan readResult)
	go func() {
		defer close(ch)
		for {
			_, data, err := conn.ReadMessage()
			select {
			case ch <- readResult{data: data, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// handshake sends the heartbeat probe and scans the next AckWindow frames
// for the literal ack token. Firmware versions disagree about whether the
// ack is sent at all, so a quiet device or a garbled ack is logged and
// tolerated.
func (c *Conn) handshake(reads <-chan readResult) error {
	c.setState(StateHandshaking, "")

	if err := c.write(heartbeatMsg); err != nil {
		return fmt.Errorf("handshake probe: %w", err)
	}

scan:
	for i := 0; i < c.cfg.AckWindow; i++ {
		select {
		case r, ok := <-reads:
			if !ok {
				return errors.New("handshake read: connection closed")
			}
			if r.err != nil {
				return fmt.Errorf("handshake read: %w", r.err)
			}
			if bytes.Equal(bytes.TrimSpace(r.data), ackToken) {
				logging.Debug().Msg("device handshake acked")
				return nil
			}
			metrics.DeviceFramesTotal.WithLabelValues("burst_discard").Inc()
		case <-time.After(c.cfg.ReadTimeout):
			break scan
		}
	}

	// Not fatal: some firmware never acks.
	logging.Warn().Msg("device handshake ack missing, continuing anyway")
	return nil
}

// drainBurst discards the unsolicited stale frames the device pushes right
// after connect, bounded by count and by wall time, whichever hits first.
// Heartbeats inside the burst are still acked.
func (c *Conn) drainBurst(reads <-chan readResult) error {
	c.setState(StateDraining, "")

	window := time.NewTimer(c.cfg.BurstDrainWindow)
	defer window.Stop()

	for i := 0; i < c.cfg.BurstDrainCount; i++ {
		select {
		case r, ok := <-reads:
			if !ok {
				return errors.New("burst drain read: connection closed")
			}
			if r.err != nil {
				return fmt.Errorf("burst drain read: %w", r.err)
			}
			if c.isHeartbeat(r.data) {
				if err := c.ackHeartbeat(); err != nil {
					return err
				}
				continue
			}
			metrics.DeviceFramesTotal.WithLabelValues("burst_discard").Inc()
		case <-window.C:
			return nil
		}
	}
	return nil
}

// receiveLoop is the single always-listening loop of the active phase.
// Heartbeats are detected and acked before any JSON decoding. A status
// request is re-sent on a fixed cadence and whenever the device goes quiet
// for ReadTimeout; a quiet period never tears the session down.
func (c *Conn) receiveLoop(ctx context.Context, reads <-chan readResult) error {
	requestStatus := func() {
		if err := c.write(statusRequest); err != nil {
			logging.Err(err).Msg("status request write failed")
		}
	}
	requestStatus()

	cadence := time.NewTicker(c.cfg.StatusInterval)
	defer cadence.Stop()
	quiet := time.NewTimer(c.cfg.ReadTimeout)
	defer quiet.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-cadence.C:
			requestStatus()

		case <-quiet.C:
			// The device went quiet; nudge it rather than reconnect.
			requestStatus()
			quiet.Reset(c.cfg.ReadTimeout)

		case r, ok := <-reads:
			if !ok {
				return errors.New("receive: connection closed")
			}
			if r.err != nil {
				return fmt.Errorf("receive: %w", r.err)
			}
			quiet.Reset(c.cfg.ReadTimeout)

			switch {
			case bytes.Equal(bytes.TrimSpace(r.data), ackToken):
				metrics.DeviceFramesTotal.WithLabelValues("control").Inc()

			case c.isHeartbeat(r.data):
				if err := c.ackHeartbeat(); err != nil {
					return err
				}

			default:
				metrics.DeviceFramesTotal.WithLabelValues("data").Inc()
				frame := ParseFrame(r.data)
				if frame.Match == MatchEmpty {
					metrics.DeviceDecodeErrors.Inc()
				}
				metrics.FrameParseResults.WithLabelValues(string(frame.Match)).Inc()
				c.sink.ApplyDeviceFrame(frame)
			}
		}
	}
}

// isHeartbeat detects a device heartbeat frame without decoding JSON.
func (c *Conn) isHeartbeat(data []byte) bool {
	return bytes.Contains(data, heartbeatMarker)
}

// ackHeartbeat answers a device heartbeat immediately. The firmware drops
// the connection when acks lag, so nothing may block between read and ack.
func (c *Conn) ackHeartbeat() error {
	metrics.DeviceFramesTotal.WithLabelValues("heartbeat").Inc()
	if err := c.write(heartbeatMsg); err != nil {
		return fmt.Errorf("heartbeat ack: %w", err)
	}
	return nil
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// closeConn attempts an orderly close before dropping the socket.
func (c *Conn) closeConn() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = c.conn.Close()
	c.conn = nil
}

// setState publishes the connectivity flag and last-error string on every
// transition.
func (c *Conn) setState(state SessionState, lastErr string) {
	connected := state == StateActive
	if connected {
		metrics.DeviceConnected.Set(1)
	} else {
		metrics.DeviceConnected.Set(0)
	}
	logging.Debug().Str("state", string(state)).Str("error", lastErr).Msg("device session state")
	c.sink.SetDeviceStatus(connected, lastErr)
}

func isNormalClose(err error) bool {
	return err != nil && websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
