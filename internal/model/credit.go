package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreditJob instructs the worker to increment an account balance once per settlement.
type CreditJob struct {
	ID            string          `json:"id"`
	TransactionID uint64          `json:"transactionId"`
	AccountID     uint64          `json:"accountId"`
	Amount        decimal.Decimal `json:"amount"`
}

// ParkedCreditJob keeps a credit job that exhausted its retries for manual inspection.
type ParkedCreditJob struct {
	ID            uint64          `gorm:"primaryKey"`
	JobID         string          `gorm:"size:64;not null;index"`
	TransactionID uint64          `gorm:"not null"`
	AccountID     uint64          `gorm:"not null"`
	Amount        decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Attempts      int             `gorm:"not null"`
	LastError     string          `gorm:"size:1024"`
	ParkedAt      time.Time       `gorm:"autoCreateTime"`
}

func (ParkedCreditJob) TableName() string { return "parked_credit_job" }
