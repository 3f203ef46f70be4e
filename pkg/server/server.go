package server

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"relaychat/pkg/protocol"
	"relaychat/pkg/storage"
)

// maxPendingBytes caps how much of a partial record a connection may
// accumulate before the server gives up on it.
const maxPendingBytes = 1 << 20

// Server accepts client connections and runs one decode-dispatch-encode
// loop per connection, alongside the background session reaper.
type Server struct {
	store    storage.Store
	codec    protocol.Codec
	handler  *Handler
	config   Config
	metrics  *Metrics
	listener net.Listener
	wsServer *http.Server
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server over the given store and codec.
func NewServer(store storage.Store, codec protocol.Codec, config Config) *Server {
	srv := &Server{
		store:    store,
		codec:    codec,
		config:   config,
		shutdown: make(chan struct{}),
	}
	srv.handler = NewHandler(store, codec, nil)
	return srv
}

// SetMetrics attaches Prometheus metrics. Must be called before Start.
func (s *Server) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
	s.handler.metrics = metrics
}

// Start binds the TCP listener and starts the accept loop and the
// session reaper. Failure to bind is the only startup error.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if err := s.startWebSocket(); err != nil {
		s.listener.Close()
		return err
	}

	s.wg.Add(1)
	go s.reaperLoop()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server: listener closed, background
// goroutines joined, store closed.
func (s *Server) Stop() error {
	close(s.shutdown)

	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	if s.wsServer != nil {
		s.wsServer.Close()
		s.wsServer = nil
	}

	s.wg.Wait()
	return s.store.Close()
}

// acceptLoop accepts incoming connections, one goroutine per connection.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection runs the per-connection state machine: read, decode
// zero-to-many records, dispatch each, write the response. The connection
// terminates on a clean peer close, any read/write error, or when the
// reaper severs the underlying socket; there is no retry of a failed
// record.
func (s *Server) handleConnection(conn net.Conn) {
	// The handle registered for push delivery is the same one the
	// response writes go through, so concurrent writes serialize.
	safe := newSafeConn(conn)
	defer safe.Close()

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	remote := conn.RemoteAddr()
	log.Printf("New connection from %s", remote)

	buf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := conn.Read(buf)
		if err != nil {
			log.Printf("Connection %s closed: %v", remote, err)
			return
		}

		// A record can span reads, so decode the accumulated buffer
		// and keep the unconsumed tail for the next read.
		pending = append(pending, buf[:n]...)
		records, consumed := s.codec.Decode(pending)
		pending = pending[:copy(pending, pending[consumed:])]

		if len(records) == 0 {
			if consumed > 0 {
				// Malformed bytes were discarded; drop them without
				// poisoning the connection.
				s.metrics.RecordDecodeDrop()
			}
			if len(pending) > maxPendingBytes {
				log.Printf("Connection %s closed: pending request exceeds %d bytes", remote, maxPendingBytes)
				return
			}
			continue
		}

		for _, req := range records {
			resp := s.handler.Handle(req, safe)
			encoded, err := s.codec.Encode(resp)
			if err != nil {
				log.Printf("Connection %s encode error: %v", remote, err)
				return
			}
			if _, err := safe.Write(encoded); err != nil {
				log.Printf("Connection %s write error: %v", remote, err)
				return
			}
		}
	}
}

// reaperLoop periodically sweeps expired sessions, severing their
// sockets. It runs for the life of the process.
func (s *Server) reaperLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if swept := s.store.SweepExpiredSessions(time.Now()); swept > 0 {
				log.Printf("Swept %d expired sessions", swept)
				s.metrics.RecordSweep(swept)
			}
		}
	}
}

// safeConn serializes writes to a connection. Responses to the peer's own
// requests and pushes triggered by other connections can otherwise
// interleave mid-record.
type safeConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func newSafeConn(conn net.Conn) *safeConn {
	return &safeConn{conn: conn}
}

func (c *safeConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(p)
}

func (c *safeConn) Close() error {
	return c.conn.Close()
}

var _ storage.ClientConn = (*safeConn)(nil)
