package client

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinkerforge/brickd/internal/logx"
)

// Keepalive timing, following the gorilla/websocket chat-example
// convention adapted from the retrieval pack's websocket gateway
// handler (pongWait/pingPeriod/writeWait ratios).
const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsWriteWait  = 10 * time.Second
	wsReadLimit  = tfpMaxFrame
)

// tfpMaxFrame bounds a single WebSocket message; larger than the
// largest single TFP frame since clients may coalesce writes.
const tfpMaxFrame = 4096

// WSTransport adapts a *websocket.Conn to the byte-stream Transport a
// Session reads TFP frames from (spec §6: "plain TCP and WebSocket ...
// present the same protocol").
type WSTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	readBuf []byte
}

// NewWSTransport wraps an already-upgraded WebSocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	return &WSTransport{conn: conn}
}

// Read returns bytes from the next binary WebSocket message, buffering
// any remainder for the following call.
func (w *WSTransport) Read(p []byte) (int, error) {
	for len(w.readBuf) == 0 {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		w.readBuf = data
	}
	n := copy(p, w.readBuf)
	w.readBuf = w.readBuf[n:]
	return n, nil
}

// Write sends p as a single binary WebSocket message.
func (w *WSTransport) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying connection.
func (w *WSTransport) Close() error {
	return w.conn.Close()
}

// RunKeepalive sends periodic pings until stop is closed, matching the
// chat-example ping loop the retrieval pack's gateway handler uses.
// Run it in its own goroutine alongside Session.Run.
func (w *WSTransport) RunKeepalive(stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.writeMu.Lock()
			_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := w.conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				logx.Debug(logx.ComponentClient, "websocket ping failed", "err", err)
				return
			}
		case <-stop:
			return
		}
	}
}
