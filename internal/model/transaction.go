package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusSettled    Status = "SETTLED"
	StatusFailed     Status = "FAILED"
)

// IsTerminal reports whether no further transition may leave s.
func (s Status) IsTerminal() bool {
	return s == StatusSettled || s == StatusFailed
}

type Transaction struct {
	ID            uint64          `gorm:"primaryKey" json:"id"`
	AccountID     uint64          `gorm:"not null;index" json:"accountId"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,8);not null" json:"amount"`
	Status        Status          `gorm:"size:16;not null;index" json:"status"`
	AuthID        *string         `gorm:"size:64;uniqueIndex" json:"authId,omitempty"`
	SettlementID  *string         `gorm:"size:64" json:"settlementId,omitempty"`
	FailureReason *string         `gorm:"size:255" json:"failureReason,omitempty"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Transaction) TableName() string { return "transaction" }

// AuthRef returns the gateway authorization reference or "".
func (t *Transaction) AuthRef() string {
	if t.AuthID == nil {
		return ""
	}
	return *t.AuthID
}

// Transition moves an AUTHORIZED transaction to a terminal status.
type Transition struct {
	Status        Status
	SettlementID  string
	FailureReason string
	At            time.Time
}

// Apply copies the transition onto t. Callers must have checked that t is AUTHORIZED.
func (tr Transition) Apply(t *Transaction) {
	t.Status = tr.Status
	switch tr.Status {
	case StatusSettled:
		id := tr.SettlementID
		t.SettlementID = &id
	case StatusFailed:
		reason := tr.FailureReason
		t.FailureReason = &reason
	}
	t.UpdatedAt = tr.At
}

// StringPtr is a helper for optional columns.
func StringPtr(s string) *string { return &s }
