// Package transport implements the three interchangeable ways a client can
// reach the daemon's command plane: a newline-delimited JSON unix socket,
// the same framing over TCP, and an HTTP/WebSocket transport. All three
// decode a nerveapi.Request and hand it to a shared
// commandplane.Dispatcher.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"

	"github.com/nervehq/nerve/internal/commandplane"
	"github.com/nervehq/nerve/pkg/nerveapi"
)

// lineServer is the shared accept-loop body for the unix socket and TCP
// transports: both speak newline-delimited JSON over a net.Listener.
type lineServer struct {
	dispatcher *commandplane.Dispatcher
	logger     *slog.Logger
}

func newLineServer(d *commandplane.Dispatcher, logger *slog.Logger) *lineServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &lineServer{dispatcher: d, logger: logger}
}

// Serve accepts connections on ln until ctx is done, handling each on its
// own goroutine.
func (s *lineServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *lineServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req nerveapi.Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = encoder.Encode(nerveapi.ErrReply("", "invalid_request_error", err.Error()))
			continue
		}
		reply := s.dispatcher.Dispatch(ctx, req)
		if err := encoder.Encode(reply); err != nil {
			s.logger.Error("failed to write reply", "error", err)
			return
		}
	}
}

// UnixSocketTransport serves the command plane over a unix domain socket.
type UnixSocketTransport struct {
	Path string
	srv  *lineServer
}

// NewUnixSocketTransport constructs a UnixSocketTransport at path.
func NewUnixSocketTransport(path string, d *commandplane.Dispatcher, logger *slog.Logger) *UnixSocketTransport {
	return &UnixSocketTransport{Path: path, srv: newLineServer(d, logger)}
}

// ListenAndServe binds the unix socket and serves until ctx is done.
func (t *UnixSocketTransport) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("unix", t.Path)
	if err != nil {
		return err
	}
	return t.srv.Serve(ctx, ln)
}

// TCPTransport serves the command plane over a plain TCP socket, using
// the identical newline-delimited JSON framing as the unix socket
// transport. The two are interchangeable from the dispatcher's point of
// view.
type TCPTransport struct {
	Addr string
	srv  *lineServer
}

// NewTCPTransport constructs a TCPTransport listening on addr (host:port).
func NewTCPTransport(addr string, d *commandplane.Dispatcher, logger *slog.Logger) *TCPTransport {
	return &TCPTransport{Addr: addr, srv: newLineServer(d, logger)}
}

// ListenAndServe binds the TCP socket and serves until ctx is done.
func (t *TCPTransport) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return err
	}
	return t.srv.Serve(ctx, ln)
}
