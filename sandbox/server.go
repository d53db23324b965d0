package sandbox

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/GermanZvezdin/prun"
	"github.com/GermanZvezdin/prun/lib/shm"
)

// Options parameterize a worker Server.
type Options struct {
	// Addr is the dispatch listen address.
	Addr string

	// NumThread is the executor session count; each session owns a
	// pre-allocated FIFO pair.
	NumThread int

	// ForkPerRequest gives every request a fresh executor with its
	// own FIFO pair instead of the pooled sessions.
	ForkPerRequest bool

	// UID is the impersonation target; FIFOs are chowned to it.
	UID int

	// ExeDir holds the node driver scripts.
	ExeDir string

	// Interpreters maps config keys to interpreter paths.
	Interpreters map[string]string
}

// Server is the worker's dispatch endpoint: it takes framed task
// requests off TCP connections, runs them through an executor session
// and answers each with a framed {err} response.
type Server struct {
	opts Options
	pool *shm.Pool

	ln net.Listener

	// executors is the session pool; a connection checks a session
	// out for the whole execution.
	executors chan *Executor
	fifos     []*FIFOPair

	// fifoIdx numbers FIFO pairs; fork-per-request pairs keep
	// counting past the pooled ones.
	mu      sync.Mutex
	fifoIdx int

	stopOnce sync.Once
	stopCh   chan struct{}

	log zerolog.Logger
}

// NewServer creates a worker server over an already opened read-only
// script pool.
func NewServer(opts Options, pool *shm.Pool, log zerolog.Logger) (*Server, error) {
	if opts.NumThread <= 0 {
		opts.NumThread = 1
	}
	s := &Server{
		opts:      opts,
		pool:      pool,
		executors: make(chan *Executor, opts.NumThread),
		stopCh:    make(chan struct{}),
		log:       log.With().Str("comp", "worker").Logger(),
	}
	for i := 0; i < opts.NumThread; i++ {
		fifos, err := NewFIFOPair(i, opts.UID)
		if err != nil {
			s.closeFifos()
			return nil, err
		}
		s.fifos = append(s.fifos, fifos)
		s.executors <- NewExecutor(pool, fifos, opts.Interpreters, opts.ExeDir, log)
	}
	s.fifoIdx = opts.NumThread
	return s, nil
}

// Start brings the listener up.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %v: %w", s.opts.Addr, err)
	}
	s.ln = ln
	go s.acceptLoop()
	s.log.Info().Str("addr", s.opts.Addr).Int("sessions", s.opts.NumThread).Msg("worker started")
	return nil
}

// Addr returns the bound dispatch address.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.opts.Addr
}

// Stop closes the listener and tears the FIFO pool down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.ln != nil {
			s.ln.Close()
		}
		s.closeFifos()
	})
}

func (s *Server) closeFifos() {
	for _, f := range s.fifos {
		f.Close()
	}
	s.fifos = nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		go s.handleConn(conn)
	}
}

// handleConn serves framed requests off one connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	codec := &prun.RequestCodec{}
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if cerr := codec.OnChunk(buf[:n]); cerr != nil {
				s.respond(conn, prun.ErrMalformedHeader)
				return
			}
			for codec.IsComplete() {
				s.respond(conn, s.handleRequest(codec.Payload()))
				rest := codec.Remainder()
				codec.Reset()
				if len(rest) > 0 {
					if cerr := codec.OnChunk(rest); cerr != nil {
						s.respond(conn, prun.ErrMalformedHeader)
						return
					}
					continue
				}
				break
			}
		}
		if err != nil {
			return
		}
	}
}

// handleRequest parses one payload and runs it through a session.
func (s *Server) handleRequest(payload []byte) prun.ErrCode {
	var probe struct {
		Ping int `json:"ping"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.Ping != 0 {
		return prun.ErrOK
	}
	var req prun.TaskRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.log.Warn().Err(err).Msg("malformed task request")
		return prun.ErrMalformedPayload
	}
	if req.Len < 0 || req.Len > prun.MaxScriptSize {
		return prun.ErrMalformedPayload
	}

	if s.opts.ForkPerRequest {
		return s.executeFresh(req)
	}

	e := <-s.executors
	defer func() { s.executors <- e }()
	return e.Execute(req)
}

// executeFresh serves one request on a throwaway session.
func (s *Server) executeFresh(req prun.TaskRequest) prun.ErrCode {
	s.mu.Lock()
	idx := s.fifoIdx
	s.fifoIdx++
	s.mu.Unlock()
	fifos, err := NewFIFOPair(idx, s.opts.UID)
	if err != nil {
		s.log.Error().Err(err).Msg("fifo pair creation failed")
		return prun.ErrFatalNode
	}
	defer fifos.Close()
	e := NewExecutor(s.pool, fifos, s.opts.Interpreters, s.opts.ExeDir, s.log)
	return e.Execute(req)
}

func (s *Server) respond(conn net.Conn, code prun.ErrCode) {
	payload, _ := json.Marshal(prun.Response{Err: int(code)})
	if err := prun.WriteFrame(conn, payload); err != nil {
		s.log.Warn().Err(err).Msg("response write failed")
	}
}
