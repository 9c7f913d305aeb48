package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"gif-forge/internal/model"
)

// JobHub streams the events of a single job to the clients watching it.
type JobHub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewJobHub() *JobHub {
	return &JobHub{clients: map[string]map[*Client]struct{}{}}
}

func (h *JobHub) Register(jobID string, conn *websocket.Conn) *Client {
	var c *Client
	c = NewClientWithClose(conn, func() { h.Unregister(jobID, c) })
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[jobID]; !ok {
		h.clients[jobID] = map[*Client]struct{}{}
	}
	h.clients[jobID][c] = struct{}{}
	return c
}

func (h *JobHub) Unregister(jobID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(jobID, c)
}

func (h *JobHub) unregisterLocked(jobID string, c *Client) {
	if m, ok := h.clients[jobID]; ok {
		if _, exist := m[c]; exist {
			delete(m, c)
			close(c.send)
		}
		if len(m) == 0 {
			delete(h.clients, jobID)
		}
	}
}

// Send delivers evt to the watchers of jobID. Slow watchers are dropped.
func (h *JobHub) Send(jobID string, evt model.Event) {
	b, err := json.Marshal(evt)
	if err != nil {
		log.Warn().Err(err).Str("job", jobID).Msg("Failed to marshal job event")
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients[jobID] {
		select {
		case c.send <- b:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.Unregister(jobID, c)
	}
}

// CloseJob ends every stream watching jobID.
func (h *JobHub) CloseJob(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients[jobID] {
		h.unregisterLocked(jobID, c)
	}
}

func (h *JobHub) Watchers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}
