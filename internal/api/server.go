// Package api serves the line-delimited JSON protocol on the daemon's unix
// socket. Each connection carries one request and one response.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xfeldman/cfctl/internal/config"
	"github.com/xfeldman/cfctl/internal/lifecycle"
	"github.com/xfeldman/cfctl/internal/protocol"
)

// MaxRequestBytes bounds a single request line.
const MaxRequestBytes = 1 << 20

// CodeShuttingDown is returned when the daemon stops while a request waits
// for a lock or a worker.
const CodeShuttingDown = "daemon_shutting_down"

// CodeInternal is returned when a handler panics.
const CodeInternal = "internal_error"

// Handler runs decoded requests.
type Handler interface {
	Handle(ctx context.Context, req protocol.Request) lifecycle.Result
}

// Server is the cfctld socket server.
type Server struct {
	cfg     *config.Config
	handler Handler
	locks   *LockTable
	ids     gate
	workers *semaphore.Weighted
	log     *zap.Logger

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a server dispatching to h. locks must be the same
// table the lifecycle manager uses for its own background work.
func NewServer(cfg *config.Config, h Handler, locks *LockTable, log *zap.Logger) *Server {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: h,
		locks:   locks,
		ids:     newGate(),
		workers: semaphore.NewWeighted(int64(workers)),
		log:     log.Named("api"),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins listening on the unix socket.
func (s *Server) Start() error {
	path := s.cfg.Socket
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	// Remove stale socket
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0660); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.ln = ln
	s.log.Info("listening", zap.String("socket", path), zap.Int("workers", s.cfg.Workers))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.cfg.Socket
}

// Stop closes the listener and waits for in-flight requests. When ctx ends
// first, pending requests are cancelled and their connections closed.
func (s *Server) Stop(ctx context.Context) error {
	if s.ln != nil {
		s.ln.Close()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.cancel()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		<-done
	}
	s.cancel()
	os.Remove(s.cfg.Socket)
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), MaxRequestBytes)
	if !sc.Scan() {
		err := sc.Err()
		if err == nil {
			return // closed without a request
		}
		s.reply(conn, protocol.Fail(lifecycle.CodeRequestInvalid, fmt.Sprintf("reading request: %v", err)))
		return
	}

	req, err := protocol.DecodeRequest(sc.Bytes())
	if err != nil {
		s.log.Debug("rejecting request", zap.Error(err))
		s.reply(conn, protocol.Fail(lifecycle.CodeRequestInvalid, err.Error()))
		return
	}
	s.reply(conn, s.Dispatch(s.ctx, req))
}

func (s *Server) reply(conn net.Conn, resp protocol.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("encode response", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		s.log.Debug("client went away before the reply", zap.Error(err))
	}
}

// Dispatch runs req under the instance lock, the id allocation lock when it
// creates an instance, and a worker slot, taken in that order. Instance locks
// taken by the handler itself (prune) go through the same table and give the
// slot back while they wait. When the handler reports background work, the
// instance lock is kept until it ends.
func (s *Server) Dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	log := s.log.With(zap.String("request_id", uuid.NewString()), zap.String("action", req.Action))
	id, targeted := req.TargetID()
	if targeted {
		log = log.With(zap.Uint32("instance", uint32(id)))
	}
	log.Debug("dispatching")

	release := func() {}
	if targeted {
		unlock, err := s.locks.LockInstance(ctx, id)
		if err != nil {
			return protocol.Fail(CodeShuttingDown, fmt.Sprintf("waiting for instance %d: %v", id, err))
		}
		release = unlock
	}
	background := false
	defer func() {
		if !background {
			release()
		}
	}()

	if req.NeedsIDLock() {
		if err := s.ids.lock(ctx); err != nil {
			return protocol.Fail(CodeShuttingDown, fmt.Sprintf("waiting for id allocation: %v", err))
		}
		defer s.ids.unlock()
	}

	slot := &workerSlot{sem: s.workers}
	if err := slot.take(ctx); err != nil {
		return protocol.Fail(CodeShuttingDown, fmt.Sprintf("waiting for a worker: %v", err))
	}
	res := s.handle(withWorkerSlot(ctx, slot), req, log)
	slot.giveBack()

	if res.Background != nil {
		background = true
		go func() {
			<-res.Background
			log.Debug("background work finished; releasing instance")
			release()
		}()
	}
	if res.Response.OK {
		log.Debug("done")
	} else {
		log.Info("request failed", zap.String("error", res.Response.ErrorMessage()))
	}
	return res.Response
}

// handle runs the handler, turning a panic into a failed response so one
// request cannot take the daemon down.
func (s *Server) handle(ctx context.Context, req protocol.Request, log *zap.Logger) (res lifecycle.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", zap.Any("panic", r), zap.Stack("stack"))
			res = lifecycle.Result{Response: protocol.Fail(CodeInternal, fmt.Sprintf("internal error handling %s", req.Action))}
		}
	}()
	return s.handler.Handle(ctx, req)
}
