package storage

import (
	"time"

	"github.com/google/uuid"
)

const (
	RequestStatusPending   = "pending"
	RequestStatusAccepted  = "accepted"
	RequestStatusRejected  = "rejected"
	RequestStatusWaitlist  = "waitlist"
	RequestStatusDelivered = "delivered"
	RequestStatusCancelled = "cancelled"
)

const (
	InvoiceStatusCreating  = "creating"
	InvoiceStatusPending   = "pending"
	InvoiceStatusPaid      = "paid"
	InvoiceStatusCancelled = "cancelled"
)

const (
	AvailabilityOpen     = "open"
	AvailabilityWaitlist = "waitlist"
	AvailabilityClosed   = "closed"
)

type Artist struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	DisplayName    string
	StripeAccount  string
	StripeCustomer string
	Onboarded      bool
	Supporter      bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Commission struct {
	ID             uuid.UUID
	ArtistID       uuid.UUID
	Title          string
	MaxActive      int
	MaxUntilClosed int
	// Price in minor units for the default line item.
	Price     int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Request struct {
	ID           uuid.UUID
	CommissionID uuid.UUID
	UserID       uuid.UUID
	Status       string
	Message      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Invoice struct {
	StripeID       string
	RequestID      uuid.UUID
	Status         string
	Total          int64
	ApplicationFee int64
	DueAt          *time.Time
	StripeAccount  string
	HostedURL      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type AuditLog struct {
	ActorID    uuid.UUID
	ActorType  string
	Action     string
	EntityType string
	EntityID   *uuid.UUID
	IP         string
	UserAgent  string
}

// TerminalRequestStatus reports whether a request status may no longer change.
func TerminalRequestStatus(status string) bool {
	switch status {
	case RequestStatusRejected, RequestStatusCancelled, RequestStatusDelivered:
		return true
	}
	return false
}

// TerminalInvoiceStatus reports whether an invoice status is sticky.
func TerminalInvoiceStatus(status string) bool {
	return status == InvoiceStatusPaid || status == InvoiceStatusCancelled
}
