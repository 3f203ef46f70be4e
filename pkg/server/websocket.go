package server

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// startWebSocket serves the WebSocket transport when a port is
// configured. Each upgraded connection is wrapped to look like a net.Conn
// and fed through the identical connection loop as TCP clients.
func (s *Server) startWebSocket() error {
	if s.config.WSPort == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)

	s.wsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.WSPort),
		Handler: mux,
	}

	listener, err := net.Listen("tcp", s.wsServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.wsServer.Addr, err)
	}
	log.Printf("WebSocket server listening on %s", listener.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.wsServer.Serve(listener); err != http.ErrServerClosed {
			log.Printf("WebSocket server error: %v", err)
		}
	}()
	return nil
}

// HandleWebSocket upgrades an HTTP request and runs the standard
// connection loop over it.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	go s.handleConnection(newWebSocketConn(ws))
}

// webSocketConn adapts a WebSocket connection to net.Conn so the rest of
// the server never distinguishes transports. Records map onto binary
// WebSocket messages; a partially consumed message is buffered for the
// next Read.
type webSocketConn struct {
	ws      *websocket.Conn
	readBuf bytes.Buffer
	readMu  sync.Mutex
	writeMu sync.Mutex
}

func newWebSocketConn(ws *websocket.Conn) *webSocketConn {
	return &webSocketConn{ws: ws}
}

func (c *webSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readBuf.Len() > 0 {
		return c.readBuf.Read(b)
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, err
	}
	c.readBuf.Write(data)
	return c.readBuf.Read(b)
}

func (c *webSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *webSocketConn) Close() error {
	return c.ws.Close()
}

func (c *webSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *webSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *webSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *webSocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *webSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

var _ net.Conn = (*webSocketConn)(nil)
