package protocol

import (
	"github.com/tidwall/gjson"
)

// PairingRequest is the PAIRING_REQUEST payload.
type PairingRequest struct {
	DeviceID string `json:"deviceId"`
	Token    string `json:"token"`
	UserName string `json:"userName,omitempty"`
}

// PairingResponse is the PAIRING_RESPONSE payload.
type PairingResponse struct {
	Success   bool   `json:"success"`
	SessionID int64  `json:"sessionId"`
	Message   string `json:"message,omitempty"`
}

// BatchCheckAction is the action value of a hash-check METADATA frame.
const BatchCheckAction = "BATCH_CHECK"

// BatchCheckRequest follows a BATCH_CHECK line as a METADATA frame.
type BatchCheckRequest struct {
	Action string   `json:"action"`
	Hashes []string `json:"hashes"`
}

// BatchCheckResult follows a BATCH_RESULT line as a METADATA frame.
type BatchCheckResult struct {
	Status         string   `json:"status"`
	ExistingHashes []string `json:"existingHashes"`
}

// TransferCompleteStatus is the status value sent after the last chunk.
const TransferCompleteStatus = "completed"

// TransferComplete is the TRANSFER_COMPLETE payload.
type TransferComplete struct {
	Status string `json:"status"`
	Hash   string `json:"hash"`
}

// Announcement is the discovery broadcast body.
type Announcement struct {
	Service    string `json:"service"`
	IP         string `json:"ip,omitempty"`
	Port       int    `json:"port,omitempty"`
	ServerName string `json:"serverName,omitempty"`
}

// ErrorMessage extracts a human-readable message from a PROTOCOL_ERROR
// payload, which may be a JSON object with "message" or "error", or plain
// text.
func ErrorMessage(p Packet) string {
	if gjson.ValidBytes(p.Payload) {
		res := gjson.GetManyBytes(p.Payload, "message", "error")
		for _, r := range res {
			if r.Exists() && r.String() != "" {
				return r.String()
			}
		}
	}

	return string(p.Payload)
}
