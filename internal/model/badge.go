package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// BadgeProfile is the cached identity and balance snapshot of a badge holder.
// It is only a fallback for reads while offline; the server owns the balance.
type BadgeProfile struct {
	ID         int64           `json:"id"`
	FirstName  string          `json:"first_name"`
	LastName   string          `json:"last_name"`
	Email      string          `json:"email"`
	BadgeCode  string          `json:"badge_code"`
	Balance    decimal.Decimal `json:"balance"`
	CategoryID int64           `json:"category_id"`
	Active     bool            `json:"active"`
	CachedAt   time.Time       `json:"cached_at"`
}

// Customer returns the shallow snapshot stored on offline transactions.
func (p BadgeProfile) Customer() Customer {
	return Customer{
		ID:        p.ID,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Email:     p.Email,
		BadgeCode: p.BadgeCode,
	}
}

// BadgeValidation is the outcome of validating a badge code.
type BadgeValidation struct {
	Success   bool          `json:"success"`
	Profile   *BadgeProfile `json:"profile,omitempty"`
	Error     string        `json:"error,omitempty"`
	FromCache bool          `json:"from_cache,omitempty"`

	// PossiblyOffline is set when the badge was not found locally after the
	// server could not be reached, as opposed to a server-confirmed miss.
	PossiblyOffline bool `json:"possibly_offline,omitempty"`
}
