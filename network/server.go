package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// acceptRetryDelay is the pause after a failed Accept.
const acceptRetryDelay = 50 * time.Millisecond

// Server accepts inbound transfer connections and hands each to the receiver
// on its own goroutine.
type Server struct {
	listener net.Listener
	receiver *Receiver
	log      *zap.Logger

	errs chan error

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and accept loop.
func Listen(address string, receiver *Receiver) (*Server, error) {
	if receiver == nil {
		return nil, errors.New("receiver is required")
	}
	if address == "" {
		address = fmt.Sprintf(":%d", DefaultPort)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %q", address)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		receiver: receiver,
		log:      receiver.log.Named("server"),
		errs:     make(chan error, 16),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	server.log.Info("accepting transfers", zap.String("addr", listener.Addr().String()))
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous accept errors. Unread errors are dropped.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, interrupts in-flight transfers and waits for them.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(errors.Wrap(err, "accept connection"))
			select {
			case <-s.closed:
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("transfer handler panicked",
				zap.String("peer", conn.RemoteAddr().String()),
				zap.Any("panic", r))
		}
	}()

	s.receiver.Handle(s.ctx, conn)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	s.log.Warn("accept failed", zap.Error(err))
	select {
	case s.errs <- err:
	default:
	}
}
