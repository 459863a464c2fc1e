package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/tunnelmonitor/tunnelmon/internal/ledger"
	"github.com/tunnelmonitor/tunnelmon/internal/visit"
)

// Visit actions reported in VisitUpdateData.
const (
	ActionEntered = "entered"
	ActionUpdated = "updated"
	ActionExited  = "exited"
)

// VisitUpdateData contains visit change information
type VisitUpdateData struct {
	VisitID        string    `json:"visit_id"`
	Action         string    `json:"action"`
	Name           string    `json:"name,omitempty"`
	Company        string    `json:"company,omitempty"`
	Persons        int       `json:"persons,omitempty"`
	Tunnels        []int     `json:"tunnels,omitempty"`
	ExpectedReturn time.Time `json:"expected_return,omitzero"`
	Overdue        bool      `json:"overdue"`
}

// Handler turns ledger changes into dashboard messages.
//
// OnChange is registered as a ledger listener, which runs while the ledger is
// locked, so the handler keeps its own copy of the visits for statistics
// instead of querying the ledger.
type Handler struct {
	server *Server
	logger *log.Logger

	mu     sync.Mutex
	visits map[string]visit.Record
}

// NewHandler creates a new event handler connected to a dashboard server.
// New clients are greeted with the current statistics.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
		visits: make(map[string]visit.Record),
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// OnChange handles one ledger change. It has the ledger.Listener signature.
func (h *Handler) OnChange(c ledger.Change) {
	var action string

	h.mu.Lock()
	switch c.Kind {
	case ledger.Added:
		action = ActionEntered
		h.visits[c.Record.ID] = c.Record
	case ledger.Updated:
		action = ActionUpdated
		h.visits[c.Record.ID] = c.Record
	case ledger.Removed:
		action = ActionExited
		delete(h.visits, c.Record.ID)
	default:
		h.mu.Unlock()
		h.logger.Printf("Ignoring unknown change kind %d for %s", c.Kind, c.Record.ID)
		return
	}
	h.mu.Unlock()

	data := VisitUpdateData{
		VisitID: c.Record.ID,
		Action:  action,
		Overdue: c.Record.Overdue,
	}
	if c.Kind != ledger.Removed {
		data.Name = c.Record.Name
		data.Company = c.Record.Company
		data.Persons = c.Record.Persons
		data.Tunnels = c.Record.Tunnels()
		data.ExpectedReturn = c.Record.ExpectedReturn
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal visit data: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeVisitUpdate,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
	h.server.Broadcast(h.statsMessage())
}

// Stats returns the statistics for the visits the handler has seen.
func (h *Handler) Stats() ledger.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	var s ledger.Stats
	for _, r := range h.visits {
		s.Add(r)
	}
	return s
}

func (h *Handler) statsMessage() Message {
	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}

	data, err := json.Marshal(h.Stats())
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
		return msg
	}
	msg.Data = data
	return msg
}
