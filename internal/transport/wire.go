package transport

import "encoding/json"

// Envelope is the framing every message on the wire uses: a named event type
// and an opaque payload decoded by whoever registered for that type.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event names exchanged with the analysis server. These must match the
// backend's event table.
const (
	EventConnected  = "connected"
	EventDisconnect = "disconnect"
	EventError      = "error"

	EventAnalyzeRequest   = "analyze-request"
	EventAnalysisStart    = "analysis-start"
	EventAnalysisProgress = "analysis-progress"
	EventAnalysisComplete = "analysis-complete"
	EventAnalysisError    = "analysis-error"
)

// DisconnectReason classifies why a connection ended.
type DisconnectReason string

const (
	ReasonServerDisconnect DisconnectReason = "server-disconnect"
	ReasonPingTimeout      DisconnectReason = "ping-timeout"
	ReasonTransportClose   DisconnectReason = "transport-close"
	ReasonTransportError   DisconnectReason = "transport-error"
	ReasonClientDisconnect DisconnectReason = "client-disconnect"
)

// shouldReconnect reports whether a disconnect with the given reason warrants
// an automatic reconnection attempt. An explicit client disconnect never does.
func shouldReconnect(reason DisconnectReason) bool {
	switch reason {
	case ReasonServerDisconnect, ReasonPingTimeout, ReasonTransportClose, ReasonTransportError:
		return true
	}
	return false
}

// formatDisconnectReason renders a reason for user-visible notifications.
func formatDisconnectReason(reason DisconnectReason) string {
	switch reason {
	case ReasonServerDisconnect:
		return "Server disconnected"
	case ReasonClientDisconnect:
		return "Client disconnected"
	case ReasonPingTimeout:
		return "Connection timed out"
	case ReasonTransportClose:
		return "Connection lost"
	case ReasonTransportError:
		return "Network error"
	default:
		return string(reason)
	}
}

// disconnectNotice is the payload of a server-initiated disconnect frame.
type disconnectNotice struct {
	Reason DisconnectReason `json:"reason"`
}

// connectedAck is the payload of the server's connection acknowledgment.
type connectedAck struct {
	SessionID string `json:"sessionId"`
}

// errorFrame is the payload of a non-fatal server error frame.
type errorFrame struct {
	Message string `json:"message"`
}
