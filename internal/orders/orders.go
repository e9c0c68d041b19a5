// Package orders persists storefront orders and the payment methods buyers
// pay them with.
package orders

import (
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrNotPending = errors.New("order is not pending")
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

type Order struct {
	ID              string            `json:"id"`
	GameTitle       string            `json:"gameTitle"`
	AccountData     map[string]string `json:"accountData"`
	NominalName     string            `json:"nominalName"`
	TotalAmount     int64             `json:"totalAmount"`
	PaymentMethod   string            `json:"paymentMethod"`
	PaymentMethodID string            `json:"paymentMethodId"`
	ProductSlug     string            `json:"productSlug"`
	Nickname        string            `json:"nickname,omitempty"`
	Status          Status            `json:"status"`

	ProofKey      string   `json:"-"`
	ProofSHA256   string   `json:"-"`
	ProofOutcome  string   `json:"proofOutcome,omitempty"`
	ProofWarnings []string `json:"proofWarnings,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ProofRecord is what gets attached to an order once a proof is stored
type ProofRecord struct {
	Key      string
	SHA256   string
	Outcome  string
	Warnings []string
}

type PaymentMethod struct {
	ID            string `json:"id"`
	Type          string `json:"type"`
	Label         string `json:"label"`
	AccountName   string `json:"accountName"`
	AccountNumber string `json:"accountNumber,omitempty"`
	QRISImageURL  string `json:"qrisImageUrl,omitempty"`
	Active        bool   `json:"active"`
}
