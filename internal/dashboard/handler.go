package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/MP2EZ/being-sync/internal/engine"
	"github.com/MP2EZ/being-sync/internal/monitor"
	"github.com/MP2EZ/being-sync/internal/tier"
)

// OutcomeData is the wire shape for one dispatch result.
type OutcomeData struct {
	OperationID string    `json:"operation_id"`
	Domain      string    `json:"domain"`
	Tier        tier.Tier `json:"tier"`
	Crisis      bool      `json:"crisis"`
	LatencyMs   float64   `json:"latency_ms"`
	Success     bool      `json:"success"`
	Conflict    bool      `json:"conflict"`
}

// ViolationData wraps a violation with its lifecycle action.
type ViolationData struct {
	Action    string            `json:"action"` // opened, resolved
	Violation monitor.Violation `json:"violation"`
}

// StatusData combines engine status with the current tier.
type StatusData struct {
	Tier        tier.Tier     `json:"tier"`
	Engine      engine.Status `json:"engine"`
	HealthScore float64       `json:"health_score"`
}

// TierChangeData describes a tier transition.
type TierChangeData struct {
	From   tier.Tier `json:"from"`
	To     tier.Tier `json:"to"`
	Reason string    `json:"reason"`
}

// Handler formats sync-core events as dashboard messages. It is the glue
// between the engine/monitor callbacks and the WebSocket server.
type Handler struct {
	server *Server
	logger *log.Logger
}

// NewHandler creates an event handler connected to a dashboard server.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, logger: logger}
}

// OnSyncOutcome broadcasts one dispatch result. Wired to the engine's
// outcome callback.
func (h *Handler) OnSyncOutcome(ev monitor.Outcome) {
	h.send(MessageTypeSyncOutcome, OutcomeData{
		OperationID: ev.OperationID,
		Domain:      ev.Domain,
		Tier:        ev.Tier,
		Crisis:      ev.Crisis,
		LatencyMs:   float64(ev.Latency) / float64(time.Millisecond),
		Success:     ev.Success,
		Conflict:    ev.Conflict,
	})
}

// OnViolation broadcasts an opened or resolved SLA violation. Wired to the
// monitor's violation callback.
func (h *Handler) OnViolation(v monitor.Violation) {
	action := "opened"
	if v.ResolvedAt != nil {
		action = "resolved"
	}
	h.logger.Printf("Violation %s: %s (%s)", action, v.Rule, v.Severity)
	h.send(MessageTypeViolation, ViolationData{Action: action, Violation: v})
}

// OnCompliance broadcasts the periodic SLA compliance snapshot.
func (h *Handler) OnCompliance(data monitor.DashboardData) {
	h.send(MessageTypeCompliance, data)
}

// OnStatus broadcasts the engine status snapshot.
func (h *Handler) OnStatus(current tier.Tier, st engine.Status, healthScore float64) {
	h.send(MessageTypeStatus, StatusData{
		Tier:        current,
		Engine:      st,
		HealthScore: healthScore,
	})
}

// OnTierChange broadcasts a tier transition. Wired to the governor's
// change notification.
func (h *Handler) OnTierChange(from, to tier.Tier, reason string) {
	h.logger.Printf("Tier change: %s -> %s (%s)", from, to, reason)
	h.send(MessageTypeTierChange, TierChangeData{From: from, To: to, Reason: reason})
}

func (h *Handler) send(t MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", t, err)
		return
	}
	h.server.Broadcast(Message{Type: t, Timestamp: time.Now(), Data: raw})
}
