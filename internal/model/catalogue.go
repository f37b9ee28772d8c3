package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CatalogueItem is a sellable article as last fetched from the server.
// The local copy is replaced wholesale on every successful fetch.
type CatalogueItem struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Available bool            `json:"available"`
	Active    bool            `json:"active"`
	ImageURL  string          `json:"image_url,omitempty"`
}

// Sellable reports whether the item may be put on a ticket.
func (c CatalogueItem) Sellable() bool {
	return c.Active && c.Available
}

// Thumbnail is a downscaled catalogue image kept for offline display.
type Thumbnail struct {
	ItemID    int64     `json:"item_id"`
	SourceURL string    `json:"source_url"`
	Data      []byte    `json:"-"`
	MIME      string    `json:"mime"`
	FetchedAt time.Time `json:"fetched_at"`
}
