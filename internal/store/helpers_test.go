package store

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erazemk/blagajna/internal/model"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newOfflineTx(t *testing.T, tempID string, createdAt time.Time) *model.OfflineTransaction {
	t.Helper()
	price := decimal.RequireFromString("2.50")
	return &model.OfflineTransaction{
		TempID:       tempID,
		TicketNumber: model.OfflineTicketNumber(createdAt, tempID),
		CreatedAt:    createdAt,
		Lines: []model.Line{
			{ArticleID: 1, Name: "Coffee", Quantity: 2, UnitPrice: price, LineTotal: price.Mul(decimal.NewFromInt(2)),
				Subsidy: decimal.Zero, EmployeeAmount: price.Mul(decimal.NewFromInt(2))},
			{ArticleID: 2, Name: "Croissant", Quantity: 1, UnitPrice: price, LineTotal: price,
				Subsidy: decimal.Zero, EmployeeAmount: price},
		},
		TotalAmount:   decimal.RequireFromString("7.50"),
		EmployeeShare: decimal.RequireFromString("7.50"),
		EmployerShare: decimal.Zero,
		Customer:      model.Customer{ID: 7, FirstName: "Ana", LastName: "Novak", Email: "ana@example.com", BadgeCode: "B-7"},
	}
}
