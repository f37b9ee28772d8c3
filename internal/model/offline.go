package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CatalogueLookup returns a cached catalogue item, or nil if it is unknown.
type CatalogueLookup func(id int64) (*CatalogueItem, error)

// BuildOfflineTransaction prices a request from the cached catalogue. Subsidy
// rules live on the server, so every line is fully payable by the employee.
// Articles missing from the cache become unpriced zero lines; the sale is
// still recorded and the server prices it on replay.
func BuildOfflineTransaction(req TransactionRequest, lookup CatalogueLookup, now time.Time) (*OfflineTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	total := decimal.Zero
	lines := make([]Line, 0, len(req.Lines))
	for _, rl := range req.Lines {
		item, err := lookup(rl.ArticleID)
		if err != nil {
			return nil, fmt.Errorf("looking up article %d: %w", rl.ArticleID, err)
		}
		if item == nil {
			lines = append(lines, Line{
				ArticleID:      rl.ArticleID,
				Quantity:       rl.Quantity,
				UnitPrice:      decimal.Zero,
				LineTotal:      decimal.Zero,
				Subsidy:        decimal.Zero,
				EmployeeAmount: decimal.Zero,
				Unpriced:       true,
			})
			continue
		}

		lineTotal := item.Price.Mul(decimal.NewFromInt(int64(rl.Quantity)))
		lines = append(lines, Line{
			ArticleID:      item.ID,
			Name:           item.Name,
			Quantity:       rl.Quantity,
			UnitPrice:      item.Price,
			LineTotal:      lineTotal,
			Subsidy:        decimal.Zero,
			EmployeeAmount: lineTotal,
		})
		total = total.Add(lineTotal)
	}

	now = now.UTC()
	tempID := NewTempID(now)
	return &OfflineTransaction{
		TempID:        tempID,
		TicketNumber:  OfflineTicketNumber(now, tempID),
		CreatedAt:     now,
		Lines:         lines,
		TotalAmount:   total,
		EmployeeShare: total,
		EmployerShare: decimal.Zero,
		Customer:      req.Customer,
		SyncStatus:    SyncPending,
	}, nil
}

// Unpriced reports whether any line still needs server pricing.
func (t *OfflineTransaction) Unpriced() bool {
	for _, l := range t.Lines {
		if l.Unpriced {
			return true
		}
	}
	return false
}

// Result returns the locally synthesized result shown on an offline ticket.
func (t *OfflineTransaction) Result() *TransactionResult {
	return &TransactionResult{
		TicketNumber:  t.TicketNumber,
		CreatedAt:     t.CreatedAt,
		Lines:         t.Lines,
		TotalAmount:   t.TotalAmount,
		EmployeeShare: t.EmployeeShare,
		EmployerShare: t.EmployerShare,
	}
}

// Request rebuilds the submission sent to the server during reconciliation.
// Only article ids and quantities go out; the server prices the sale again.
func (t *OfflineTransaction) Request() TransactionRequest {
	lines := make([]RequestLine, len(t.Lines))
	for i, l := range t.Lines {
		lines[i] = RequestLine{ArticleID: l.ArticleID, Quantity: l.Quantity}
	}
	return TransactionRequest{Customer: t.Customer, Lines: lines}
}
