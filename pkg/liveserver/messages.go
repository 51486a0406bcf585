package liveserver

import "time"

// Message is one broadcast event as written to websocket clients
type Message struct {
	Type string    `json:"type"`
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Event names
const (
	TypePositionsUpdated  = "positionsUpdated"
	TypePnLUpdated        = "pnlUpdated"
	TypeConnectionError   = "connectionError"
	TypeMonitoringStarted = "monitoringStarted"
	TypeMonitoringStopped = "monitoringStopped"
)

// ConnectionErrorData is the payload of a connectionError event
type ConnectionErrorData struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// MonitoringData is the payload of monitoringStarted and monitoringStopped
type MonitoringData struct {
	Account   string `json:"account"`
	Positions int    `json:"positions"`
}

// NewMessage builds an unsequenced message. The hub stamps Seq and Time.
func NewMessage(msgType string, data any) Message {
	return Message{Type: msgType, Data: data}
}

// retained reports whether the latest message of this type is replayed to
// clients that connect later
func retained(msgType string) bool {
	switch msgType {
	case TypePositionsUpdated, TypeMonitoringStarted, TypeMonitoringStopped:
		return true
	}
	return false
}
