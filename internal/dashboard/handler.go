package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/bitbridge-tools/jlsync/internal/engine"
)

// CycleData is the wire shape of one table cycle.
type CycleData struct {
	Team      string `json:"team"`
	TableKey  string `json:"table"`
	TableID   string `json:"table_id"`
	ColdStart bool   `json:"cold_start"`
	Total     int    `json:"total"`
	Filtered  int    `json:"filtered"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Failed    int    `json:"failed"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

// SessionData is the wire shape of one sync session.
type SessionData struct {
	SessionID string `json:"session_id"`
	Tables    int    `json:"tables"`
	Total     int    `json:"total"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Failed    int    `json:"failed"`
	ElapsedMS int64  `json:"elapsed_ms"`
	Success   bool   `json:"success"`
}

// StatsData is the running counters snapshot since daemon start.
type StatsData struct {
	Sessions int `json:"sessions"`
	Cycles   int `json:"cycles"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Failed   int `json:"failed"`
}

// PendingUsersData lists usernames the mapper could not resolve yet.
type PendingUsersData struct {
	Usernames []string `json:"usernames"`
}

// Handler turns sync results into dashboard broadcasts. It satisfies
// the engine's Reporter interface.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler connects a handler to a running dashboard server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// CycleComplete broadcasts one finished table cycle plus updated stats.
func (h *Handler) CycleComplete(res *engine.CycleResult) {
	data := CycleData{
		Team:      res.Team,
		TableKey:  res.TableKey,
		TableID:   res.TableID,
		ColdStart: res.ColdStart,
		Total:     res.Total,
		Filtered:  res.Filtered,
		Created:   res.Created,
		Updated:   res.Updated,
		Failed:    res.Failed,
		ElapsedMS: res.Elapsed.Milliseconds(),
	}
	if res.Err != nil {
		data.Error = res.Err.Error()
	}

	h.mu.Lock()
	h.stats.Cycles++
	h.stats.Created += res.Created
	h.stats.Updated += res.Updated
	h.stats.Failed += res.Failed
	h.mu.Unlock()

	h.send(MessageTypeCycle, data)
	h.broadcastStats()
}

// SessionComplete broadcasts one finished session and any users still
// awaiting a mapping.
func (h *Handler) SessionComplete(sess *engine.SessionResult) {
	total, created, updated, failed := sess.Totals()
	data := SessionData{
		SessionID: sess.SessionID,
		Tables:    len(sess.Cycles),
		Total:     total,
		Created:   created,
		Updated:   updated,
		Failed:    failed,
		ElapsedMS: sess.Elapsed.Milliseconds(),
		Success:   sess.Success(),
	}

	h.mu.Lock()
	h.stats.Sessions++
	h.mu.Unlock()

	h.send(MessageTypeSession, data)
	if len(sess.PendingUsers) > 0 {
		h.send(MessageTypePendingUsers, PendingUsersData{Usernames: sess.PendingUsers})
	}
	h.broadcastStats()
}

func (h *Handler) broadcastStats() {
	h.mu.Lock()
	snapshot := h.stats
	h.mu.Unlock()
	h.send(MessageTypeStats, snapshot)
}

func (h *Handler) send(t MessageType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Printf("failed to marshal %s payload: %v", t, err)
		return
	}
	h.server.Broadcast(Message{Type: t, Timestamp: time.Now(), Data: data})
}
