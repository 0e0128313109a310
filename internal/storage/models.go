package storage

import (
	"time"
)

// SessionStatus is the payment session lifecycle state.
type SessionStatus string

const (
	StatusPending    SessionStatus = "pending"
	StatusConfirming SessionStatus = "confirming"
	StatusConfirmed  SessionStatus = "confirmed"
	StatusExpired    SessionStatus = "expired"
	StatusFailed     SessionStatus = "failed"
)

// IsTerminal reports whether the status never transitions again.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusConfirmed, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether the status is one of the known lifecycle states.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirming, StatusConfirmed, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Merchant is a registered merchant account. APIKey holds the plaintext only
// until redaction; APIKeyDigest is the SHA-256 hex used for lookup.
type Merchant struct {
	ID               string
	Name             string
	Email            string // empty when not provided
	XPub             string
	NextAddressIndex uint64
	APIKey           string // plaintext, may be erased at rest after issuance
	APIKeyDigest     string
	WebhookURL       string
	WebhookSecret    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Session is a one-shot payment intent: address + expected amount + TTL +
// observed state. AmountSompi is a decimal string in smallest units.
type Session struct {
	ID                string
	MerchantID        string
	Address           string
	AddressIndex      uint64
	AmountSompi       string
	Status            SessionStatus
	SubscriptionToken string
	TxID              string // set on detection
	Confirmations     uint64
	InitialBlueScore  *uint64 // recorded at detection, drives confirmation counting
	OrderID           string
	Metadata          map[string]string
	RedirectURL       string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	PaidAt            *time.Time
	ConfirmedAt       *time.Time
	UpdatedAt         time.Time
}

// WebhookDelivery is one row in the webhook log: a frozen signed payload and
// the running record of its delivery attempts.
type WebhookDelivery struct {
	ID                  string
	SessionID           string
	MerchantID          string
	Event               string
	Payload             []byte // frozen JSON, exactly what was signed
	DeliveryID          string
	Attempts            int
	LastStatusCode      *int
	LastResponseSnippet string
	NextRetryAt         *time.Time
	CreatedAt           time.Time
	DeliveredAt         *time.Time
}

// MerchantStats aggregates a merchant's sessions by status plus confirmed volume.
type MerchantStats struct {
	CountByStatus        map[SessionStatus]int64
	ConfirmedVolumeSompi string
}

// DailyVolume is one day's bucketed totals for analytics.
type DailyVolume struct {
	Day            string // YYYY-MM-DD (UTC)
	Sessions       int64
	ConfirmedSompi string
	ConfirmedCount int64
}

// TopPayment is one entry of the top-N-by-amount analytics query.
type TopPayment struct {
	SessionID   string
	AmountSompi string
	OrderID     string
	ConfirmedAt *time.Time
}
