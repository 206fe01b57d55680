package protocol

import (
	"encoding/json"
	"time"
)

// Version is the only input envelope version this agent writes.
const Version = 1

// Input is the envelope written to a module's stdin when an action starts.
type Input struct {
	Protocol      int             `json:"protocol"`
	TransactionID string          `json:"transaction_id"`
	Module        string          `json:"module"`
	Action        string          `json:"action"`
	Params        json.RawMessage `json:"params"`
	Config        map[string]any  `json:"config,omitempty"`
	SpoolDir      string          `json:"spool_dir,omitempty"`
	SubmittedAt   time.Time       `json:"submitted_at"`
}
