// Package server accepts client connections and dispatches their framed
// requests against an engine.
package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bitkv/bitkv/core"
	"github.com/bitkv/bitkv/engine"
	"github.com/bitkv/bitkv/pool"
	"github.com/bitkv/bitkv/protocol"
)

// pollInterval bounds how long the accept loop and an idle connection wait
// before re-checking the shutdown flag.
const pollInterval = 250 * time.Millisecond

// Server owns the listener and the worker pool. Each accepted connection
// is handled as one pool job, processing its requests in order for the
// lifetime of the connection.
type Server struct {
	ln     *net.TCPListener
	eng    engine.Engine
	pool   *pool.Pool
	logger *zap.Logger

	quit     chan struct{}
	conns    sync.WaitGroup
	stopOnce sync.Once
}

// New listens on addr and prepares workers request handlers.
func New(addr string, eng engine.Engine, workers int, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		ln:     ln.(*net.TCPListener),
		eng:    eng,
		pool:   pool.New(workers, logger),
		logger: logger,
		quit:   make(chan struct{}),
	}

	logger.Info("server listening", zap.Stringer("addr", ln.Addr()), zap.Int("workers", workers))

	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve runs the accept loop until Shutdown, then drains the in-flight
// connections and releases the workers before returning. The listener
// deadline keeps Accept from blocking forever so the shutdown flag is
// observed between accept calls.
func (s *Server) Serve() error {
	defer func() {
		s.conns.Wait()
		s.pool.Close()
		s.logger.Info("server stopped")
	}()

	for {
		select {
		case <-s.quit:
			return nil
		default:
		}

		if err := s.ln.SetDeadline(time.Now().Add(pollInterval)); err != nil {
			return err
		}

		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.quit:
				return nil
			default:
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		select {
		case <-s.quit:
			_ = conn.Close()
			return nil
		default:
		}

		s.conns.Add(1)
		s.pool.Go(func() {
			defer s.conns.Done()
			s.handle(conn)
		})
	}
}

// Shutdown raises the cancel flag and closes the listener. Serve finishes
// the in-flight requests and returns once everything has drained. Safe to
// call more than once.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.quit)
		_ = s.ln.Close()
	})
}

// handle serves one connection's stream of request/response pairs. The
// shutdown flag is observed between request reads; the request being
// processed is always finished and answered first.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close() // nolint:errcheck

	s.logger.Debug("connection accepted", zap.Stringer("peer", conn.RemoteAddr()))

	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	for {
		select {
		case <-s.quit:
			return
		default:
		}

		// wait for the next frame without committing to a blocking read
		if err := conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return
		}
		if _, err := br.Peek(1); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if err != io.EOF {
				s.logger.Debug("connection closed", zap.Error(err))
			}
			return
		}
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return
		}

		req, err := protocol.ReadRequest(br)

		var resp protocol.Response
		switch {
		case err == nil:
			resp = s.dispatch(req)
		case errors.Is(err, core.ErrBadRecord):
			// a checksum mismatch or an unknown op leaves the frame fully
			// consumed and the stream in sync; a header with implausible
			// lengths is consumed without its payload
			resp = protocol.InvalidCommand(err.Error())
		default:
			s.logger.Debug("connection closed", zap.Error(err))
			return
		}

		if err := protocol.WriteResponse(bw, resp); err != nil {
			return
		}
		if err := bw.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(req protocol.Request) protocol.Response {
	switch req.Op {
	case protocol.OpSet:
		if err := s.eng.Set(req.Key, req.Val); err != nil {
			s.logger.Error("set failed", zap.String("key", req.Key), zap.Error(err))
			return protocol.ServerError()
		}
		return protocol.OkNone()

	case protocol.OpGet:
		val, err := s.eng.Get(req.Key)
		switch {
		case errors.Is(err, engine.ErrKeyNotFound):
			return protocol.OkNone()
		case err != nil:
			s.logger.Error("get failed", zap.String("key", req.Key), zap.Error(err))
			return protocol.ServerError()
		}
		return protocol.OkValue(val)

	case protocol.OpRemove:
		err := s.eng.Remove(req.Key)
		switch {
		case errors.Is(err, engine.ErrKeyNotFound):
			return protocol.KeyNotFound(req.Key)
		case err != nil:
			s.logger.Error("remove failed", zap.String("key", req.Key), zap.Error(err))
			return protocol.ServerError()
		}
		return protocol.OkNone()

	default:
		return protocol.InvalidCommand("unknown request op")
	}
}
