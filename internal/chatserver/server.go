// Package chatserver is the server half of the chat frame protocol: it
// answers request frames through registered handlers and pushes event frames
// to connected clients. It backs the integration tests and the local dev
// server; production deployments speak the same framing.
package chatserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"chatlink/internal/domain"
	"chatlink/internal/session"
)

// HandlerFunc answers one request frame.
type HandlerFunc func(ctx context.Context, req domain.Request) (*domain.Response, error)

// clientConn tracks a single websocket connection.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan session.Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

// Server accepts chat clients and serves the frame protocol.
type Server struct {
	logger     *slog.Logger
	addr       string
	authToken  string // empty = unauthenticated connects accepted
	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc
	clients    sync.Map // connID (uint64) -> *clientConn
	nextID     atomic.Uint64
	acks       atomic.Uint64
	httpSrv    *http.Server
	boundAddr  string
}

// New creates a chat server. A non-empty authToken requires clients to
// present it as a bearer credential.
func New(addr, authToken string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:    logger,
		addr:      addr,
		authToken: authToken,
		handlers:  make(map[string]HandlerFunc),
	}
}

// Register adds a handler for the given method and path.
// Safe to call concurrently with active connections.
func (s *Server) Register(method, path string, handler HandlerFunc) {
	s.handlersMu.Lock()
	s.handlers[method+" "+path] = handler
	s.handlersMu.Unlock()
}

// Start begins accepting connections. Blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", s.handleUpgrade)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("chatserver listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}

	s.logger.Info("chatserver started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("chatserver serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down, closing every client connection.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		_ = cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual listen address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

// Acks reports the number of acknowledgment frames received.
func (s *Server) Acks() uint64 { return s.acks.Load() }

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	count := 0
	s.clients.Range(func(_, _ any) bool { count++; return true })
	return count
}

// PushEvent sends an event frame to every connected client.
func (s *Server) PushEvent(payload []byte, timestamp uint64) {
	s.broadcast(session.Frame{
		Type:      session.FrameTypeEvent,
		Payload:   payload,
		Timestamp: timestamp,
	})
}

// PushQueueEmpty sends the queue-empty barrier to every connected client.
// Because each client's outbound queue is FIFO, the barrier arrives after
// every event pushed before it.
func (s *Server) PushQueueEmpty() {
	s.broadcast(session.Frame{
		Type:       session.FrameTypeEvent,
		QueueEmpty: true,
	})
}

// PushRaw sends a pre-encoded frame verbatim, malformed ones included.
// Test hook for protocol-error handling.
func (s *Server) PushRaw(data []byte) {
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = cc.ws.Write(ctx, websocket.MessageText, data)
		cancel()
		return true
	})
}

func (s *Server) broadcast(frame session.Frame) {
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- frame:
		default:
			s.logger.Warn("chatserver: dropped push for slow client")
		}
		return true
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.authToken != "" {
		auth := r.Header.Get("Authorization")
		if strings.TrimPrefix(auth, "Bearer ") != s.authToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // clients are not browsers; no origin check
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan session.Frame, 64),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("chatserver client connected", "conn_id", connID)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	_ = ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("chatserver client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		_, data, err := cc.ws.Read(ctx)
		if err != nil {
			return // connection closed or error
		}

		var frame session.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("chatserver: malformed frame", "error", err)
			continue
		}
		if frame.Type != session.FrameTypeRequest {
			continue
		}
		if frame.Method == "ACK" && frame.ID == 0 {
			s.acks.Add(1)
			continue
		}

		go s.dispatch(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = cc.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cc *clientConn, req session.Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method+" "+req.Path]
	s.handlersMu.RUnlock()

	resp := session.Frame{Type: session.FrameTypeResponse, ID: req.ID}
	if !ok {
		resp.Status = http.StatusNotFound
		resp.Message = "no handler for " + req.Method + " " + req.Path
	} else {
		result, err := handler(ctx, domain.Request{
			Method:  req.Method,
			Path:    req.Path,
			Headers: req.Headers,
			Body:    req.Payload,
		})
		if err != nil {
			resp.Status = http.StatusInternalServerError
			resp.Message = err.Error()
		} else {
			resp.Status = result.Status
			resp.Message = result.Message
			resp.Headers = result.Headers
			resp.Payload = result.Body
		}
	}

	select {
	case cc.sendCh <- resp:
	default:
		s.logger.Warn("chatserver: dropped response for slow client", "frame_id", req.ID)
	}
}
