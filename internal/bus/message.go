package bus

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Message is the bus envelope. Its JSON form is the wire format shared with
// out-of-process workers.
type Message struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Sender        string         `json:"sender"`
	Recipient     string         `json:"recipient"`
	MissionID     string         `json:"missionId,omitempty"`
	Data          map[string]any `json:"data"`
	CorrelationID string         `json:"correlationId,omitempty"`
	ReplyTo       string         `json:"replyTo,omitempty"`
}

// Message types exchanged between the scheduler, workers and analytics.
const (
	TypeMissionAssigned  = "mission.assigned"
	TypeMissionStarted   = "mission.started"
	TypeMissionStage     = "mission.stage"
	TypeMissionCompleted = "mission.completed"
	TypeMissionFailed    = "mission.failed"
	TypeMissionCancelled = "mission.cancelled"
	TypeMissionRequeued  = "mission.requeued"
	TypeMissionEscalated = "error.mission_escalated"
	TypeAnomaly          = "analytics.anomaly"
	TypeAnomalyAlert     = "alert.anomaly"
	TypeTelemetry        = "analytics.mission_outcome"

	ReplySuffix = ".reply"
)

// Outcomes carried by telemetry messages.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeEscalated = "escalated"
	OutcomeCancelled = "cancelled"
)

// Channels a message can be routed to besides per-crew channels.
const (
	ChannelMissions  = "missions"
	ChannelErrors    = "errors"
	ChannelAnalytics = "analytics"
	ChannelSystem    = "system"

	crewChannelPrefix = "crew."
)

// CrewChannel returns the channel name for a crew.
func CrewChannel(crew string) string {
	return crewChannelPrefix + crew
}

// Category maps a message type to its category channel.
func Category(msgType string) string {
	switch {
	case strings.HasPrefix(msgType, "mission."):
		return ChannelMissions
	case strings.HasPrefix(msgType, "error."), strings.HasPrefix(msgType, "alert."):
		return ChannelErrors
	case strings.HasPrefix(msgType, "analytics."):
		return ChannelAnalytics
	default:
		return ChannelSystem
	}
}

var ErrInvalidMessage = errors.New("invalid message")

// Encode renders the wire JSON form.
func Encode(m Message) ([]byte, error) {
	if m.Data == nil {
		m.Data = map[string]any{}
	}
	return json.Marshal(m)
}

// Decode parses the wire JSON form; id and type are required.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Join(ErrInvalidMessage, err)
	}
	if m.ID == "" || m.Type == "" {
		return Message{}, errors.Join(ErrInvalidMessage, errors.New("id and type are required"))
	}
	if m.Data == nil {
		m.Data = map[string]any{}
	}
	return m, nil
}

// String returns a data field as string, or "".
func (m Message) String(key string) string {
	v, _ := m.Data[key].(string)
	return v
}

// Bool returns a data field as bool, or false.
func (m Message) Bool(key string) bool {
	v, _ := m.Data[key].(bool)
	return v
}
