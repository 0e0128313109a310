package webhook

import (
	"time"

	"github.com/google/uuid"

	"github.com/KasGate/server/internal/storage"
)

// Event names, one per session lifecycle state.
const (
	EventPending    = "payment.pending"
	EventConfirming = "payment.confirming"
	EventConfirmed  = "payment.confirmed"
	EventExpired    = "payment.expired"
	EventFailed     = "payment.failed"
)

// EventForStatus maps a session status to its webhook event name.
func EventForStatus(status storage.SessionStatus) string {
	return "payment." + string(status)
}

// Payload is the signed webhook body. timestamp and deliveryId live inside
// the signed bytes, so replays of an old payload are detectable by the
// merchant.
type Payload struct {
	Event         string            `json:"event"`
	SessionID     string            `json:"sessionId"`
	MerchantID    string            `json:"merchantId"`
	Amount        string            `json:"amount"` // decimal string, smallest units
	Address       string            `json:"address"`
	TxID          string            `json:"txId,omitempty"`
	Confirmations *uint64           `json:"confirmations,omitempty"`
	OrderID       string            `json:"orderId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     string            `json:"timestamp"`
	DeliveryID    string            `json:"deliveryId"`
}

// NewPayload builds the payload for a session event, freezing the wall-clock
// timestamp and a fresh delivery id.
func NewPayload(sess storage.Session, event string) Payload {
	p := Payload{
		Event:      event,
		SessionID:  sess.ID,
		MerchantID: sess.MerchantID,
		Amount:     sess.AmountSompi,
		Address:    sess.Address,
		TxID:       sess.TxID,
		OrderID:    sess.OrderID,
		Metadata:   sess.Metadata,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		DeliveryID: uuid.NewString(),
	}
	if sess.Status == storage.StatusConfirming || sess.Status == storage.StatusConfirmed {
		c := sess.Confirmations
		p.Confirmations = &c
	}
	return p
}
