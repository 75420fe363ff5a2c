package bridge

import (
	"context"
	"io"
	"log"
	"net"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"

	"desklink/internal/model"
)

// Controller performs authorized commands.
type Controller interface {
	Apply(ctx context.Context, cmd Command) error
}

// LogController only records commands. Screen capture and input injection
// are platform specific.
type LogController struct {
	Logger *log.Logger
}

func (l LogController) Apply(_ context.Context, cmd Command) error {
	l.Logger.Printf("executor: %s session %s (%d payload bytes)", cmd.Kind, cmd.SessionID, len(cmd.Payload))
	return nil
}

// OwnerFunc returns the user id the device is paired to, or "" if unpaired.
type OwnerFunc func() (string, error)

// Server is the executor end of the bridge. It trusts nothing the agent says
// about ownership: the owner comes from OwnerFunc on every command.
type Server struct {
	owner  OwnerFunc
	ctrl   Controller
	logger *log.Logger

	mu      sync.Mutex
	started map[string]struct{}
}

func NewServer(owner OwnerFunc, ctrl Controller, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{owner: owner, ctrl: ctrl, logger: logger, started: make(map[string]struct{})}
}

// Listen binds a unix socket at path readable only by the current user,
// replacing a stale socket file.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "remove stale socket %s", path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", path)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, errors.Wrapf(err, "chmod %s", path)
	}
	return ln, nil
}

// Serve accepts connections until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	dec := msgpack.NewDecoder(conn)
	enc := msgpack.NewEncoder(conn)
	for {
		var cmd Command
		if err := dec.Decode(&cmd); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Printf("executor: read command: %v", err)
			}
			return
		}
		err := s.Handle(ctx, cmd)
		if err != nil {
			s.logger.Printf("executor: refused %s for session %s: %v", cmd.Kind, cmd.SessionID, err)
		}
		if werr := enc.Encode(replyFor(err)); werr != nil {
			return
		}
	}
}

// Handle authorizes cmd and passes it to the controller.
func (s *Server) Handle(ctx context.Context, cmd Command) error {
	if cmd.SessionID == "" {
		return errors.Wrap(ErrInvalidCommand, "missing session id")
	}
	owner, err := s.owner()
	if err != nil {
		return errors.Wrapf(ErrUnauthorized, "load owner: %v", err)
	}
	if owner == "" {
		return errors.Wrap(ErrUnauthorized, "device not paired")
	}
	if cmd.Actor != model.UserIdentity(owner) {
		return errors.Wrapf(ErrUnauthorized, "%s is not the device owner", cmd.Actor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, running := s.started[cmd.SessionID]
	switch cmd.Kind {
	case KindStart:
		if cmd.State != model.StateActive {
			return errors.Wrapf(ErrUnauthorized, "session %s is %s, not active", cmd.SessionID, cmd.State)
		}
	case KindStop, KindInput, KindFrame:
		if !running {
			return errors.Wrapf(ErrUnauthorized, "session %s was not started", cmd.SessionID)
		}
	default:
		return errors.Wrapf(ErrInvalidCommand, "unknown kind %q", cmd.Kind)
	}

	if err := s.ctrl.Apply(ctx, cmd); err != nil {
		return err
	}
	switch cmd.Kind {
	case KindStart:
		s.started[cmd.SessionID] = struct{}{}
	case KindStop:
		delete(s.started, cmd.SessionID)
	}
	return nil
}
