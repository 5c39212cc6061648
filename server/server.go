// Package server provides a reusable DICOM SCP listener built on package
// engine: it accepts TCP connections, negotiates each association against
// an assoc.AbstractSyntaxPolicy, and runs engine.Conn.Run with whichever
// Handlers the caller registered.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/0xLigety/fo-dicom/assoc"
	"github.com/0xLigety/fo-dicom/config"
	"github.com/0xLigety/fo-dicom/dicomlog"
	"github.com/0xLigety/fo-dicom/engine"

	"github.com/sirupsen/logrus"
)

// Option configures a Server instance.
type Option func(*Server)

// WithLogger overrides the logger used by the server.
func WithLogger(logger *logrus.Entry) Option {
	return func(s *Server) {
		s.Logger = logger
	}
}

// WithReadTimeout sets a read deadline on each client connection, that
// long after the connection is accepted. It is set once, not renewed per
// read.
func WithReadTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.ReadTimeout = timeout
	}
}

// WithWriteTimeout sets a write deadline on each client connection, that
// long after the connection is accepted. It is set once, not renewed per
// write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(s *Server) {
		s.WriteTimeout = timeout
	}
}

// WithConfig overrides the queue/buffer tuning engine.Conn runs with.
func WithConfig(cfg config.Options) Option {
	return func(s *Server) {
		s.Config = cfg
	}
}

// WithMaxAsyncOpsInvoked bounds how many outstanding requests this side's
// connections may issue at once (only relevant if handlers themselves act
// as SCUs, e.g. a C-MOVE handler opening a sub-association).
func WithMaxAsyncOpsInvoked(n int) Option {
	return func(s *Server) {
		s.MaxAsyncOpsInvoked = n
	}
}

// Server listens for DICOM associations and hands each one to package
// engine, negotiated against Policy and dispatched through Handlers.
type Server struct {
	AETitle            string
	Policy             assoc.AbstractSyntaxPolicy
	Handlers           engine.Handlers
	Logger             *logrus.Entry
	ReadTimeout        time.Duration // 0 (the default): no read deadline
	WriteTimeout       time.Duration // 0 (the default): no write deadline
	Config             config.Options
	MaxAsyncOpsInvoked int
}

// New builds a Server with the provided AE title, acceptance policy and
// role handlers.
func New(aeTitle string, policy assoc.AbstractSyntaxPolicy, handlers engine.Handlers, opts ...Option) *Server {
	srv := &Server{AETitle: aeTitle, Policy: policy, Handlers: handlers}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// ListenAndServe listens on address and serves until ctx is done or an
// error occurs.
func ListenAndServe(ctx context.Context, address, aeTitle string, policy assoc.AbstractSyntaxPolicy, handlers engine.Handlers, opts ...Option) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	defer listener.Close()

	srv := New(aeTitle, policy, handlers, opts...)
	return srv.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled or an
// unrecoverable error occurs.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if listener == nil {
		return errors.New("dicomserver: listener is required")
	}
	if s == nil {
		return errors.New("dicomserver: server is nil")
	}
	if s.Policy == nil {
		return errors.New("dicomserver: policy is required")
	}
	if s.AETitle == "" {
		return errors.New("dicomserver: AE title is required")
	}

	logger := s.logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	logger.WithField("address", listener.Addr().String()).
		WithField("ae_title", s.AETitle).
		Info("DICOM server listening")

	var (
		wg       sync.WaitGroup
		serveErr error
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.WithError(err).Warn("accept timeout")
				continue
			}
			serveErr = err
			break
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			s.handleConnection(ctx, c, logger)
		}(conn)
	}

	wg.Wait()

	if serveErr != nil {
		return serveErr
	}

	return ctx.Err()
}

func (s *Server) handleConnection(ctx context.Context, netConn net.Conn, logger *logrus.Entry) {
	connLog := logger.WithField("conn", netConn.RemoteAddr().String())
	connLog.Info("accepted DICOM connection")

	if s.ReadTimeout > 0 {
		if err := netConn.SetReadDeadline(time.Now().Add(s.ReadTimeout)); err != nil {
			connLog.WithError(err).Warn("failed to set read deadline")
		}
	}
	if s.WriteTimeout > 0 {
		if err := netConn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
			connLog.WithError(err).Warn("failed to set write deadline")
		}
	}

	opts := engine.Options{
		Config:             s.Config,
		Logger:             connLog,
		MaxAsyncOpsInvoked: s.MaxAsyncOpsInvoked,
	}
	conn := engine.NewServerConn(netConn, s.AETitle, s.Policy, s.Handlers, opts)

	if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
		connLog.WithError(err).Warn("DICOM connection ended")
	} else {
		connLog.Info("DICOM connection closed")
	}
}

func (s *Server) logger() *logrus.Entry {
	if s.Logger != nil {
		return s.Logger
	}
	return dicomlog.WithConnID(nil, "server")
}
