// Package wsapi serves the external market-data WebSocket: clients
// authenticate with an API key, then subscribe to (symbol, exchange, mode)
// topics and receive normalised ticks from the feed hub.
package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"algobridge/internal/auth"
	"algobridge/internal/feed"
	"algobridge/internal/symbols"
	"algobridge/pkg/types"
)

const (
	pingInterval = 30 * time.Second
	pongTimeout  = 10 * time.Second
	authTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second

	// portWalkLimit bounds the search when the configured port is taken
	// (a dev reloader running two processes, usually).
	portWalkLimit = 10
)

// clientMsg is the single inbound frame shape.
type clientMsg struct {
	Action     string `json:"action"`
	APIKey     string `json:"api_key,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
	Exchange   string `json:"exchange,omitempty"`
	Mode       int    `json:"mode,omitempty"`
	DepthLevel int    `json:"depth_level,omitempty"`
}

// Server accepts external WS clients and bridges them onto the feed hub.
type Server struct {
	authSvc  *auth.Service
	hub      *feed.Hub
	resolver *symbols.Resolver
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	srv  *http.Server
	port int
}

// New builds the server.
func New(authSvc *auth.Service, hub *feed.Hub, resolver *symbols.Resolver, logger *slog.Logger) *Server {
	return &Server{
		authSvc:  authSvc,
		hub:      hub,
		resolver: resolver,
		logger:   logger.With("component", "wsapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Listen binds the server, walking forward from port when it is in use,
// and serves until ctx is cancelled. The bound port is logged.
func (s *Server) Listen(ctx context.Context, host string, port int) error {
	var ln net.Listener
	var err error
	for p := port; p < port+portWalkLimit; p++ {
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:%d", host, p))
		if err == nil {
			if p != port {
				s.logger.Warn("configured ws port in use, walked forward", "configured", port, "bound", p)
			}
			s.mu.Lock()
			s.port = p
			s.mu.Unlock()
			break
		}
	}
	if ln == nil {
		return fmt.Errorf("ws listen: no free port in [%d,%d): %w", port, port+portWalkLimit, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	srv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.logger.Info("ws api listening", "addr", ln.Addr().String())
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Port reports the actually-bound port.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	c := &client{
		server: s,
		ws:     ws,
		sink:   make(chan feed.Message, 256),
		done:   make(chan struct{}),
	}
	c.run(r.Context())
}

// client is one external connection.
type client struct {
	server *Server
	ws     *websocket.Conn
	sink   chan feed.Message
	done   chan struct{}

	userID string
	subs   map[string]types.SymbolRecord // "SYM:EXCH:mode" -> record

	writeMu sync.Mutex
}

func (c *client) run(ctx context.Context) {
	defer c.close(ctx)

	// First frame must authenticate; anything else is refused.
	c.ws.SetReadDeadline(time.Now().Add(authTimeout))
	var first clientMsg
	if err := c.ws.ReadJSON(&first); err != nil || first.Action != "authenticate" {
		c.send(map[string]any{"type": "error", "code": "AUTHENTICATION_REQUIRED", "message": "first message must authenticate"})
		return
	}
	ac, err := c.server.authSvc.Validate(ctx, first.APIKey)
	if err != nil {
		c.send(map[string]any{"type": "error", "code": string(types.CodeOf(err)), "message": "invalid api key"})
		return
	}
	c.userID = ac.UserID
	c.subs = make(map[string]types.SymbolRecord)
	c.send(map[string]any{"type": "auth_ack", "status": "success", "broker": ac.Broker})

	go c.writePump()

	c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongTimeout))
	})

	for {
		var msg clientMsg
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "subscribe":
			c.subscribe(ctx, msg)
		case "unsubscribe":
			c.unsubscribe(ctx, msg)
		case "ping":
			c.send(map[string]any{"type": "pong"})
		default:
			c.send(map[string]any{"type": "error", "code": string(types.ErrInvalidParameters),
				"message": fmt.Sprintf("unknown action %q", msg.Action)})
		}
	}
}

func (c *client) subscribe(ctx context.Context, msg clientMsg) {
	exch := types.Exchange(strings.ToUpper(msg.Exchange))
	mode := types.SubMode(msg.Mode)
	rec, err := c.server.resolver.Resolve(ctx, strings.ToUpper(msg.Symbol), exch)
	if err != nil {
		c.sendErr(err, msg)
		return
	}
	actual, err := c.server.hub.Subscribe(ctx, c.userID, rec, mode, msg.DepthLevel, c.sink)
	if err != nil {
		c.sendErr(err, msg)
		return
	}
	c.subs[subKey(rec, mode)] = rec

	ack := map[string]any{
		"type":     "subscribe_ack",
		"status":   "success",
		"symbol":   rec.Symbol,
		"exchange": string(rec.Exchange),
		"mode":     int(mode),
	}
	if mode == types.ModeDepth {
		ack["requested_depth"] = msg.DepthLevel
		ack["actual_depth"] = actual
		ack["is_fallback"] = actual != msg.DepthLevel
	}
	c.send(ack)
}

func (c *client) unsubscribe(ctx context.Context, msg clientMsg) {
	exch := types.Exchange(strings.ToUpper(msg.Exchange))
	mode := types.SubMode(msg.Mode)
	rec, err := c.server.resolver.Resolve(ctx, strings.ToUpper(msg.Symbol), exch)
	if err != nil {
		c.sendErr(err, msg)
		return
	}
	if err := c.server.hub.Unsubscribe(ctx, c.userID, rec, mode, c.sink); err != nil {
		c.sendErr(err, msg)
		return
	}
	delete(c.subs, subKey(rec, mode))
	c.send(map[string]any{
		"type": "unsubscribe_ack", "status": "success",
		"symbol": rec.Symbol, "exchange": string(rec.Exchange), "mode": int(mode),
	})
}

// writePump forwards feed messages and keeps the connection alive.
func (c *client) writePump() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sink:
			switch msg.Kind {
			case feed.KindTick:
				c.send(map[string]any{
					"type":  "market_data",
					"mode":  int(msg.Tick.Mode),
					"topic": topicFor(msg.Tick),
					"data":  msg.Tick,
				})
			case feed.KindStatus:
				c.send(map[string]any{"type": "status", "code": msg.Status})
			}
		case <-ping.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *client) send(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *client) sendErr(err error, msg clientMsg) {
	c.send(map[string]any{
		"type":     "error",
		"code":     string(types.CodeOf(err)),
		"message":  err.Error(),
		"symbol":   msg.Symbol,
		"exchange": msg.Exchange,
	})
}

func (c *client) close(ctx context.Context) {
	close(c.done)
	if c.userID != "" {
		c.server.hub.UnsubscribeAll(ctx, c.userID, c.sink)
	}
	_ = c.ws.Close()
}

// topicFor builds the frame topic: SYMBOL.EXCHANGE.MODE.
func topicFor(t types.Tick) string {
	return fmt.Sprintf("%s.%s.%d", t.Symbol, t.Exchange, int(t.Mode))
}

func subKey(rec types.SymbolRecord, mode types.SubMode) string {
	return fmt.Sprintf("%s:%s:%d", rec.Symbol, rec.Exchange, int(mode))
}
