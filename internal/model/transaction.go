package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SyncStatus is the reconciliation state of an offline transaction.
type SyncStatus string

// Sync statuses. FAILED is not terminal: it may be claimed again.
const (
	SyncPending SyncStatus = "PENDING"
	SyncSyncing SyncStatus = "SYNCING"
	SyncSynced  SyncStatus = "SYNCED"
	SyncFailed  SyncStatus = "FAILED"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncPending, SyncSyncing, SyncSynced, SyncFailed:
		return true
	}
	return false
}

// Customer is a snapshot of the badge holder a transaction was charged to.
type Customer struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	BadgeCode string `json:"badge_code"`
}

// Line is a priced ticket line.
type Line struct {
	ArticleID      int64           `json:"article_id"`
	Name           string          `json:"name"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	LineTotal      decimal.Decimal `json:"line_total"`
	Subsidy        decimal.Decimal `json:"subsidy"`
	EmployeeAmount decimal.Decimal `json:"employee_amount"`

	// Unpriced marks a line sold offline for an article missing from the
	// cached catalogue. Its amounts are zero until the server prices the sale.
	Unpriced bool `json:"unpriced,omitempty"`
}

// OfflineTransaction is a sale recorded while the server was unreachable.
type OfflineTransaction struct {
	TempID        string          `json:"temp_id"`
	TicketNumber  string          `json:"ticket_number"`
	CreatedAt     time.Time       `json:"created_at"`
	Lines         []Line          `json:"lines"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	EmployeeShare decimal.Decimal `json:"employee_share"`
	EmployerShare decimal.Decimal `json:"employer_share"`
	Customer      Customer        `json:"customer"`

	SyncStatus      SyncStatus `json:"sync_status"`
	SyncRetryCount  int        `json:"sync_retry_count"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	LastSyncError   string     `json:"last_sync_error,omitempty"`
	NextRetryAt     *time.Time `json:"next_retry_at,omitempty"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`

	// ServerTicketNumber is the ticket the server issued when the record synced.
	ServerTicketNumber string `json:"server_ticket_number,omitempty"`
}

// RequestLine is one cart line as sent by the till.
type RequestLine struct {
	ArticleID int64 `json:"article_id"`
	Quantity  int   `json:"quantity"`
}

// TransactionRequest is a sale submitted by the till.
type TransactionRequest struct {
	Customer Customer      `json:"customer"`
	Lines    []RequestLine `json:"lines"`
}

// Validate checks the request shape before any pricing happens.
func (r TransactionRequest) Validate() error {
	if r.Customer.Email == "" {
		return errors.New("customer email is required")
	}
	if len(r.Lines) == 0 {
		return errors.New("at least one line is required")
	}
	for i, l := range r.Lines {
		if l.ArticleID <= 0 {
			return fmt.Errorf("line %d: article_id must be positive", i+1)
		}
		if l.Quantity <= 0 {
			return fmt.Errorf("line %d: quantity must be positive", i+1)
		}
	}
	return nil
}

// TransactionResult is the priced outcome of a submission, either issued by the
// server or synthesized locally for an offline ticket.
type TransactionResult struct {
	TransactionID int64           `json:"transaction_id,omitempty"`
	TicketNumber  string          `json:"ticket_number"`
	CreatedAt     time.Time       `json:"created_at"`
	Lines         []Line          `json:"lines"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	EmployeeShare decimal.Decimal `json:"employee_share"`
	EmployerShare decimal.Decimal `json:"employer_share"`
}

// Submission is what the till gets back from a sale.
type Submission struct {
	Success   bool               `json:"success"`
	Result    *TransactionResult `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	IsOffline bool               `json:"is_offline,omitempty"`
}

// SyncError describes one record that failed during a reconciliation run.
type SyncError struct {
	TempID  string `json:"temp_id"`
	Message string `json:"message"`
}

// SyncResult summarises a reconciliation run.
type SyncResult struct {
	Synced  int         `json:"synced"`
	Failed  int         `json:"failed"`
	Skipped int         `json:"skipped,omitempty"`
	Errors  []SyncError `json:"errors"`
}

// OfflineStats is the observability snapshot shown on the till.
type OfflineStats struct {
	CachedItems    int        `json:"cached_items"`
	CachedProfiles int        `json:"cached_profiles"`
	PendingCount   int        `json:"pending_count"`
	SyncingCount   int        `json:"syncing_count"`
	FailedCount    int        `json:"failed_count"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
}

// FamilyCounts holds the number of records in each local store family.
type FamilyCounts struct {
	CatalogueItems      int `json:"catalogue_items"`
	BadgeProfiles       int `json:"badge_profiles"`
	OfflineTransactions int `json:"offline_transactions"`
}
