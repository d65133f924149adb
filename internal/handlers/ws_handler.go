package handlers

import (
	"net/http"
	"sync"
	"time"

	"gasless-bridge/internal/middleware"
	"gasless-bridge/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

type wsClient struct {
	principal string
	conn      *websocket.Conn
	send      chan interface{}
}

// WSHub pushes settlement transitions to each owner's open connections.
// It implements services.SettlementListener.
type WSHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	log     *logrus.Entry
}

func NewWSHub() *WSHub {
	return &WSHub{
		clients: make(map[*wsClient]struct{}),
		log:     logrus.WithField("service", "ws_hub"),
	}
}

// SettlementUpdated fans a transition out to the settlement owner.
func (h *WSHub) SettlementUpdated(settlement *models.Settlement) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if client.principal != settlement.User {
			continue
		}
		select {
		case client.send <- gin.H{"type": "settlement", "data": settlement}:
		default:
			// Slow consumer; drop the connection rather than block settlement.
			close(client.send)
			delete(h.clients, client)
		}
	}
}

func (h *WSHub) add(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *WSHub) remove(client *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// Serve handles GET /ws. Auth comes from the token query parameter because
// browsers cannot set headers on websocket upgrades.
func (h *WSHub) Serve(c *gin.Context) {
	token := c.Query("token")
	claims, err := middleware.ValidateCallerToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false, "error": "Invalid or expired token", "code": "INVALID_TOKEN",
		})
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{
		principal: claims.Principal,
		conn:      conn,
		send:      make(chan interface{}, 16),
	}
	h.add(client)
	h.log.WithField("principal", claims.Principal).Debug("websocket connected")

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *WSHub) writeLoop(client *wsClient) {
	defer client.conn.Close()
	for msg := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := client.conn.WriteJSON(msg); err != nil {
			h.remove(client)
			return
		}
	}
}

// readLoop drains control frames and detects disconnects.
func (h *WSHub) readLoop(client *wsClient) {
	defer func() {
		h.remove(client)
		client.conn.Close()
	}()
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
