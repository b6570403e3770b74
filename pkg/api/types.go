package api

import (
	"time"

	"github.com/rmax-ai/raciflow/pkg/buffer"
	"github.com/rmax-ai/raciflow/pkg/matrix"
)

// SetCellRequest matches the POST /v1/matrix/cells body schema.
// Cell uses the textual form ("RA", "C", "" clears the cell).
type SetCellRequest struct {
	Task string `json:"task"`
	Role string `json:"role"`
	Cell string `json:"cell"`
}

// FlushRequest matches the POST /v1/flush body schema. An empty body
// means an unforced flush.
type FlushRequest struct {
	Force bool `json:"force"`
}

// BufferResponse describes the change buffer.
type BufferResponse struct {
	State   buffer.State    `json:"state"`
	Pending []matrix.Change `json:"pending"`
	Dropped int             `json:"dropped"`
}

// WebhookRequest matches the POST /v1/webhooks body schema.
type WebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// WebhookResponse is returned once, on registration. The secret is never
// listed again.
type WebhookResponse struct {
	WebhookID string `json:"webhook_id"`
	Secret    string `json:"secret"`
}

// WebhookInfo is a listed webhook.
type WebhookInfo struct {
	WebhookID string    `json:"webhook_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}
