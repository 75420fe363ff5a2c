// Package bridge carries session-scoped remote-control commands from the
// network-facing agent to a separate executor process over a unix socket.
// Frames are msgpack values written back to back: one Command, one reply.
package bridge

import (
	"github.com/cockroachdb/errors"

	"desklink/internal/model"
)

type Kind string

const (
	KindStart Kind = "start"
	KindStop  Kind = "stop"
	KindInput Kind = "input"
	KindFrame Kind = "frame"
)

type Command struct {
	Kind      Kind               `msgpack:"kind"`
	SessionID string             `msgpack:"sessionId"`
	Actor     model.Identity     `msgpack:"actor"`
	State     model.SessionState `msgpack:"state"`
	Payload   []byte             `msgpack:"payload,omitempty"`
}

var (
	// ErrBridgeUnavailable means the executor could not be reached.
	ErrBridgeUnavailable = errors.New("bridge unavailable")

	// ErrUnauthorized means the executor refused the command.
	ErrUnauthorized = errors.New("command refused by executor")

	ErrInvalidCommand = errors.New("invalid command")
)

const (
	codeUnauthorized = "unauthorized"
	codeInvalid      = "invalid"
	codeFailed       = "failed"
)

type reply struct {
	OK      bool   `msgpack:"ok"`
	Code    string `msgpack:"code,omitempty"`
	Message string `msgpack:"message,omitempty"`
}

func (r reply) err() error {
	if r.OK {
		return nil
	}
	switch r.Code {
	case codeUnauthorized:
		return errors.Wrap(ErrUnauthorized, r.Message)
	case codeInvalid:
		return errors.Wrap(ErrInvalidCommand, r.Message)
	default:
		return errors.Newf("executor: %s", r.Message)
	}
}

func replyFor(err error) reply {
	switch {
	case err == nil:
		return reply{OK: true}
	case errors.Is(err, ErrUnauthorized):
		return reply{Code: codeUnauthorized, Message: err.Error()}
	case errors.Is(err, ErrInvalidCommand):
		return reply{Code: codeInvalid, Message: err.Error()}
	default:
		return reply{Code: codeFailed, Message: err.Error()}
	}
}
