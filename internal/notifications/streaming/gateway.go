package streaming

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dispatchd/dispatchd/internal/common/config"
	"github.com/dispatchd/dispatchd/internal/common/logger"
	"github.com/dispatchd/dispatchd/internal/events/bus"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway binds to localhost for a single operator
		return true
	},
}

// Gateway serves the websocket notification endpoint.
type Gateway struct {
	hub    *Hub
	server *http.Server
	sub    bus.Subscription
	cancel context.CancelFunc
	logger *logger.Logger
}

// NewGateway wires a hub to the event bus and builds the HTTP server.
func NewGateway(cfg config.StreamingConfig, eventBus bus.EventBus, log *logger.Logger) (*Gateway, error) {
	hub := NewHub(log)

	sub, err := hub.AttachBus(eventBus)
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/ws", func(c *gin.Context) {
		handleConnection(c, hub, log)
	})

	return &Gateway{
		hub: hub,
		server: &http.Server{
			Addr:    cfg.Addr,
			Handler: router,
		},
		sub:    sub,
		logger: log.WithFields(zap.String("component", "streaming_gateway")),
	}, nil
}

// Start runs the hub loop and the HTTP listener on background goroutines.
func (g *Gateway) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel

	go g.hub.Run(ctx)
	go func() {
		g.logger.Info("Streaming gateway listening", zap.String("addr", g.server.Addr))
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("Streaming gateway failed", zap.Error(err))
		}
	}()
}

// Stop shuts the gateway down, closing all client connections.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.sub != nil && g.sub.IsValid() {
		_ = g.sub.Unsubscribe()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := g.server.Shutdown(shutdownCtx)

	if g.cancel != nil {
		g.cancel()
	}
	return err
}

func handleConnection(c *gin.Context, hub *Hub, log *logger.Logger) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	log.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, hub, log)
	hub.Register(client)

	go client.WritePump()
	client.ReadPump()
}
