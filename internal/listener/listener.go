// Copyright (c) 2026 The tapearc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package listener implements the daemon's Unix-domain socket accept loop
// (spec §4.4): one dedicated goroutine, serial per-connection handling, no
// per-connection concurrency, since the ticket store is not lock-free and
// the state space is small.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tapearc/tapearcd/internal/dispatcher"
	"github.com/tapearc/tapearcd/internal/jsonutil"
	"github.com/tapearc/tapearcd/internal/protocol"
)

// marshalItem encodes a one-shot reply or a single stream item as JSON.
func marshalItem(v any) ([]byte, error) {
	return jsonutil.Marshal(v)
}

// Listener accepts connections on a local stream socket and hands each
// request frame to a Dispatcher, per spec §4.4.
type Listener struct {
	socketPath string
	dispatch   *dispatcher.Dispatcher
	logger     *slog.Logger

	ln net.Listener

	stopped atomic.Bool
	done    chan struct{}
}

// New binds the Unix-domain stream socket at socketPath, removing any
// stale socket file first.
func New(socketPath string, dispatch *dispatcher.Dispatcher, logger *slog.Logger) (*Listener, error) {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "removing stale socket file")
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, errors.Wrap(err, "binding unix socket")
	}

	return &Listener{
		socketPath: socketPath,
		dispatch:   dispatch,
		logger:     logger,
		ln:         ln,
		done:       make(chan struct{}),
	}, nil
}

// Run executes the accept loop until ctx is canceled or Stop is called.
// Connections are handled synchronously, one at a time, on this goroutine.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.done)

	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if l.stopped.Load() {
				return nil
			}
			consecutiveErrors++
			l.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
			if consecutiveErrors > 5 {
				delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
				if delay > 5*time.Second {
					delay = 5 * time.Second
				}
				time.Sleep(delay)
			}
			continue
		}
		consecutiveErrors = 0
		l.handleConn(ctx, conn)
	}
}

// Stop marks the listener as stopping and unblocks Accept. A connection
// accepted in the race just before Accept unblocks gets a STOPPED frame
// instead of being served.
func (l *Listener) Stop() {
	l.stopped.Store(true)
	l.ln.Close()
	<-l.done
}

// handleConn serves exactly one request on conn: one frame in, one or
// more frames out, then close. It never panics the accept loop.
func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if l.stopped.Load() {
		if err := protocol.WriteFrame(conn, protocol.Stopped, []byte("server is stopping")); err != nil {
			l.logger.Error("writing STOPPED frame", "error", err)
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("handler panicked", "panic", r)
			_ = protocol.WriteError(conn, "PanicError", fmt.Sprintf("%v", r), fmt.Sprintf("%v", r))
		}
	}()

	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		l.logger.Debug("reading request frame", "error", err)
		return
	}

	result, err := l.dispatch.Dispatch(ctx, frame.Payload)
	if err != nil {
		l.writeError(conn, err)
		return
	}

	if result.Streaming {
		l.serveStream(conn, result)
		return
	}

	l.serveOneShot(conn, result.OneShot)
}

func (l *Listener) serveOneShot(conn net.Conn, value any) {
	body, err := marshalItem(value)
	if err != nil {
		l.writeError(conn, err)
		return
	}
	if err := protocol.WriteFrame(conn, protocol.OK, body); err != nil {
		l.logger.Error("writing reply frame", "error", err)
	}
}

func (l *Listener) serveStream(conn net.Conn, result dispatcher.Result) {
	if err := protocol.WriteFrame(conn, protocol.Yield, nil); err != nil {
		l.logger.Error("writing YIELD frame", "error", err)
		return
	}

	for item := range result.Stream {
		body, err := marshalItem(item)
		if err != nil {
			l.writeError(conn, err)
			return
		}
		if err := protocol.WriteFrame(conn, protocol.OK, body); err != nil {
			l.logger.Error("writing stream item frame", "error", err)
			return
		}
	}

	if err := <-result.StreamErr; err != nil {
		l.writeError(conn, err)
		return
	}

	if err := protocol.WriteEOF(conn); err != nil {
		l.logger.Error("writing EOF frame", "error", err)
	}
}

// writeError serializes err into the wire's {exception,msg,traceback}
// shape, per spec §6.1.
func (l *Listener) writeError(conn net.Conn, err error) {
	exception := fmt.Sprintf("%T", errors.Cause(err))
	if werr := protocol.WriteError(conn, exception, err.Error(), fmt.Sprintf("%+v", err)); werr != nil {
		l.logger.Error("writing ERROR frame", "error", werr)
	}
}
