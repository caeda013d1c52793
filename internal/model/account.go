package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is created lazily on first reference and only ever credited.
type Account struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement:false;column:id" json:"id"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0" json:"balance"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Account) TableName() string { return "account" }
