package model

import "time"

// ScanRequest is one submitted scan. The event is never part of the request;
// it comes from the verified authentication context.
type ScanRequest struct {
	IdempotencyKey string    `json:"idempotency_key" validate:"required,max=128"`
	TicketCode     string    `json:"ticket_code" validate:"required,max=256"`
	Direction      Direction `json:"direction" validate:"required,oneof=in out"`
	ScannedAt      time.Time `json:"scanned_at"`
	EntranceName   string    `json:"entrance_name,omitempty" validate:"max=128"`
	OperatorName   string    `json:"operator_name,omitempty" validate:"max=128"`
}

// ScanStatus is the per-item terminal status returned to clients.
type ScanStatus string

const (
	ScanSuccess   ScanStatus = "success"
	ScanDuplicate ScanStatus = "duplicate"
	ScanError     ScanStatus = "error"
)

// ScanResult is the outcome of processing one ScanRequest.
type ScanResult struct {
	IdempotencyKey    string     `json:"idempotency_key"`
	Status            ScanStatus `json:"status"`
	Code              string     `json:"code,omitempty"`
	Message           string     `json:"message,omitempty"`
	Retryable         bool       `json:"retryable,omitempty"`
	TicketCode        string     `json:"ticket_code,omitempty"`
	AttendeeID        string     `json:"attendee_id,omitempty"`
	CheckinsRemaining *int       `json:"checkins_remaining,omitempty"`
}

// SyncType tells the client whether a sync-down response is a full snapshot.
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
)

// SyncDownResponse is the server → client attendee refresh.
// ServerTime is the only value a client may use as its next "since".
type SyncDownResponse struct {
	ServerTime time.Time  `json:"server_time"`
	Attendees  []Attendee `json:"attendees"`
	Count      int        `json:"count"`
	SyncType   SyncType   `json:"sync_type"`
}

// SyncUpRequest is the client → server queue upload.
// A nil Scans slice is a malformed envelope and fails the whole request.
type SyncUpRequest struct {
	Scans []ScanRequest `json:"scans"`
}

// SyncUpResponse carries one result per submitted scan, in submission order.
type SyncUpResponse struct {
	Results   []ScanResult `json:"results"`
	Processed int          `json:"processed"`
}

// CheckinResponse is the single-scan endpoint success body.
type CheckinResponse struct {
	Status            ScanStatus `json:"status"`
	TicketCode        string     `json:"ticket_code"`
	AttendeeID        string     `json:"attendee_id"`
	CheckinsRemaining *int       `json:"checkins_remaining,omitempty"`
}

// ErrorResponse is the structured error body of every endpoint.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
