package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/tether/internal/txstore"
)

// SubmitRequest is the JSON body for POST /transactions.
type SubmitRequest struct {
	Module string          `json:"module"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// TransactionSummary is one entry of GET /transactions.
type TransactionSummary struct {
	TransactionID string         `json:"transaction_id"`
	Module        string         `json:"module"`
	Action        string         `json:"action"`
	Status        txstore.Status `json:"status"`
	ExitCode      *int           `json:"exit_code,omitempty"`
	Signal        string         `json:"signal,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
}

// TransactionListResponse is returned by GET /transactions.
type TransactionListResponse struct {
	Transactions []TransactionSummary `json:"transactions"`
}

// ModuleSummary describes one installed module.
type ModuleSummary struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Actions     []string `json:"actions"`
}

// ModuleListResponse is returned by GET /modules.
type ModuleListResponse struct {
	Modules []ModuleSummary `json:"modules"`
}

// ActionDetail describes one action of a module.
type ActionDetail struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Input       map[string]string `json:"input,omitempty"`
	Required    []string          `json:"required,omitempty"`
}

// ModuleDetailResponse is returned by GET /modules/{name}.
type ModuleDetailResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description,omitempty"`
	Actions     []ActionDetail `json:"actions"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Running       int    `json:"running"`
	ModulesLoaded int    `json:"modules_loaded"`
	Ready         bool   `json:"ready"`
}
