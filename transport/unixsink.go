// unixsink.go - the default Sink: a SOCK_SEQPACKET Unix domain socket
// carrying one JSON-encoded Event per datagram, dialed with
// golang.org/x/sys/unix the way runtime_ipc.go dials net.Listen("unix", ...)
// for its own single-instance socket, but using x/sys/unix directly since a
// seqpacket socket has no counterpart in net.Dial's address family list.
//
// License: GPLv3 or later
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// UnixSocketSink dials path as a SOCK_SEQPACKET socket and writes one
// datagram per Event. Safe for concurrent use; writes are serialized since
// a seqpacket socket does not interleave partial datagrams but concurrent
// Go writers to the same fd can still race on Write's internal state.
type UnixSocketSink struct {
	mu     sync.Mutex
	file   *os.File
	policy RetryPolicy
	path   string
}

// DialUnixSocketSink connects to the scheduler transport's listening
// socket at path.
func DialUnixSocketSink(path string) (*UnixSocketSink, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: creating unix socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: connecting to %q: %w", path, err)
	}
	return &UnixSocketSink{
		file:   os.NewFile(uintptr(fd), path),
		policy: DefaultRetryPolicy,
		path:   path,
	}, nil
}

// WithRetryPolicy overrides the default retry policy used by Emit.
func (s *UnixSocketSink) WithRetryPolicy(p RetryPolicy) *UnixSocketSink {
	s.policy = p
	return s
}

// Emit encodes ev as JSON and writes it as a single seqpacket datagram,
// retrying per s.policy on a transient write failure.
func (s *UnixSocketSink) Emit(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("transport: encoding event: %w", err)
	}
	return emitWithRetry(ctx, s.policy, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.file.Write(payload)
		return err
	})
}

// Close releases the underlying socket.
func (s *UnixSocketSink) Close() error {
	return s.file.Close()
}
