package replikv

import (
	"time"

	"github.com/google/uuid"
)

// Event names carried on the wire, after the SecurityEnvelope layer.
const (
	EventPut                       = "put"
	EventVectorClockSync           = "vector-clock-sync"
	EventVectorClockSyncResponse   = "vector-clock-sync-response"
	EventAntiEntropyRequest        = "anti-entropy-request"
	EventAntiEntropyResponse       = "anti-entropy-response"
	EventSecurityHandshake         = "security-handshake"
	EventSecurityHandshakeResponse = "security-handshake-response"
	EventIdentify                  = "identify"
)

// PutMessage is the payload of a "put" event, carrying a single write
// (local or remote) through the replication pipeline.
type PutMessage struct {
	Path           string      `json:"path"`
	Value          Value       `json:"value"`
	MsgID          string      `json:"msgId"`
	Origin         string      `json:"origin"`
	VectorClock    VectorClock `json:"vectorClock"`
	VisitedServers []string    `json:"visitedServers,omitempty"`
	HopCount       int         `json:"hopCount,omitempty"`
	Forwarded      bool        `json:"forwarded,omitempty"`
	AntiEntropy    bool        `json:"antiEntropy,omitempty"`
}

// VectorClockSyncMessage is the payload of a "vector-clock-sync" event.
type VectorClockSyncMessage struct {
	Type          string      `json:"type"`
	VectorClock   VectorClock `json:"vectorClock"`
	NodeID        string      `json:"nodeId"`
	Timestamp     int64       `json:"timestamp"`
	SyncID        string      `json:"syncId"`
	IsAntiEntropy bool        `json:"isAntiEntropy"`
}

// VectorClockSyncResponseMessage is the payload of a
// "vector-clock-sync-response" event.
type VectorClockSyncResponseMessage struct {
	Type          string      `json:"type"`
	VectorClock   VectorClock `json:"vectorClock"`
	NodeID        string      `json:"nodeId"`
	Timestamp     int64       `json:"timestamp"`
	InResponseTo  string      `json:"inResponseTo"`
	IsAntiEntropy bool        `json:"isAntiEntropy"`
}

// AntiEntropyRequestMessage is the payload of an "anti-entropy-request"
// event.
type AntiEntropyRequestMessage struct {
	RequestID     string      `json:"requestId"`
	NodeID        string      `json:"nodeId"`
	VectorClock   VectorClock `json:"vectorClock"`
	Timestamp     int64       `json:"timestamp"`
	Path          string      `json:"path"`
	IsAntiEntropy bool        `json:"isAntiEntropy"`
}

// AntiEntropyChange is one record inside an anti-entropy response batch.
type AntiEntropyChange struct {
	Path        string      `json:"path"`
	Value       Value       `json:"value"`
	VectorClock VectorClock `json:"vectorClock"`
	Origin      string      `json:"origin"`
	Timestamp   int64       `json:"timestamp,omitempty"`
}

// AntiEntropyResponseMessage is the payload of an "anti-entropy-response"
// event, one of possibly several batches for a single request.
type AntiEntropyResponseMessage struct {
	ResponseID    string              `json:"responseId"`
	NodeID        string              `json:"nodeId"`
	VectorClock   VectorClock         `json:"vectorClock"`
	Timestamp     int64               `json:"timestamp"`
	BatchIndex    int                 `json:"batchIndex"`
	TotalBatches  int                 `json:"totalBatches"`
	Changes       []AntiEntropyChange `json:"changes"`
	IsAntiEntropy bool                `json:"isAntiEntropy"`
}

// SecurityHandshakeMessage is the payload of a "security-handshake" event.
type SecurityHandshakeMessage struct {
	Challenge Envelope `json:"challenge"`
}

// SecurityHandshakeResponseMessage is the payload of a
// "security-handshake-response" event.
type SecurityHandshakeResponseMessage struct {
	Success           bool   `json:"success"`
	ServerID          string `json:"serverID,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
	OriginalChallenge string `json:"originalChallenge,omitempty"`
	MAC               string `json:"mac,omitempty"`
	SecurityEnabled   bool   `json:"securityEnabled"`
	Message           string `json:"message,omitempty"`
}

// IdentifyMessage is the payload of the initial "identify" event a peer
// sends on connect.
type IdentifyMessage struct {
	ServerID string `json:"serverID"`
	URL      string `json:"url"`
}

// newMessageID returns a fresh correlation ID for a message that needs
// uniqueness but not unpredictability — write dedup IDs, anti-entropy
// request/response/sync IDs. Security-sensitive values (handshake nonces)
// use mustGenerateSecureID instead.
func newMessageID() string {
	return uuid.New().String()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
