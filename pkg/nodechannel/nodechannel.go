// Package nodechannel is the websocket duplex command channel between the
// control plane and worker nodes: nodes dial in and hold a connection open,
// the control plane sends typed commands down it and correlates responses
// back to the caller awaiting the result.
package nodechannel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hiverun/controlplane/internal/apperr"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Command is sent from the control plane to a node.
type Command struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is the node's reply to a Command, correlated by ID.
type Result struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// conn is one open node connection.
type conn struct {
	nodeID string
	ws     *websocket.Conn
	mu     sync.Mutex // serializes writes

	pendingMu sync.Mutex
	pending   map[string]chan Result
}

// Registry tracks currently connected nodes and routes commands to them.
type Registry struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]*conn
}

// New creates a Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		logger:   logger,
		conns:    make(map[string]*conn),
	}
}

// HandleUpgrade upgrades an incoming HTTP request to a websocket connection
// for nodeID and serves it until the connection closes.
func (r *Registry) HandleUpgrade(w http.ResponseWriter, req *http.Request, nodeID string) error {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "upgrading node connection", err)
	}

	c := &conn{nodeID: nodeID, ws: ws, pending: make(map[string]chan Result)}

	r.mu.Lock()
	if old, ok := r.conns[nodeID]; ok {
		_ = old.ws.Close()
	}
	r.conns[nodeID] = c
	r.mu.Unlock()

	r.logger.Info("node channel connected", "node_id", nodeID)
	r.serve(c)
	return nil
}

func (r *Registry) serve(c *conn) {
	defer func() {
		r.mu.Lock()
		if r.conns[c.nodeID] == c {
			delete(r.conns, c.nodeID)
		}
		r.mu.Unlock()
		_ = c.ws.Close()
		r.logger.Info("node channel disconnected", "node_id", c.nodeID)
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	go r.pingLoop(c)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var result Result
		if err := json.Unmarshal(data, &result); err != nil {
			r.logger.Warn("malformed result from node", "node_id", c.nodeID, "error", err)
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[result.ID]
		if ok {
			delete(c.pending, result.ID)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- result
		}
	}
}

func (r *Registry) pingLoop(c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.ws.WriteMessage(websocket.PingMessage, nil)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// ListConnected returns the ids of currently connected nodes.
func (r *Registry) ListConnected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// SendCommand sends a command to nodeID and blocks until the matching
// result arrives or ctx is done. It fails with KindNodeNotConnected if the
// node has no open channel.
func (r *Registry) SendCommand(ctx context.Context, nodeID, cmdType string, payload json.RawMessage) (*Result, error) {
	r.mu.RLock()
	c, ok := r.conns[nodeID]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindNodeNotConnected, "node has no open command channel")
	}

	cmd := Command{ID: uuid.New().String(), Type: cmdType, Payload: payload}
	ch := make(chan Result, 1)

	c.pendingMu.Lock()
	c.pending[cmd.ID] = ch
	c.pendingMu.Unlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "encoding command", err)
	}

	c.mu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.mu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, cmd.ID)
		c.pendingMu.Unlock()
		return nil, apperr.Wrap(apperr.KindTransient, "sending command to node", err)
	}

	select {
	case result := <-ch:
		return &result, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, cmd.ID)
		c.pendingMu.Unlock()
		return nil, apperr.Wrap(apperr.KindTransient, "waiting for node command result", ctx.Err())
	}
}
