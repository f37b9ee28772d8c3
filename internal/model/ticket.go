package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OfflineTicketPrefix marks tickets issued by the till while offline.
// Server-issued ticket numbers never carry it.
const OfflineTicketPrefix = "OFF-"

// NewTempID returns a local transaction identifier. The millisecond timestamp
// keeps IDs roughly sortable by creation time; the random suffix keeps them unique.
func NewTempID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("off_%013d_%s", now.UnixMilli(), suffix)
}

// OfflineTicketNumber builds the human-facing number printed on an offline ticket.
func OfflineTicketNumber(now time.Time, tempID string) string {
	tail := tempID
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	return OfflineTicketPrefix + now.UTC().Format("20060102") + "-" + strings.ToUpper(tail)
}

// IsOfflineTicket reports whether a ticket number was issued locally.
func IsOfflineTicket(ticket string) bool {
	return strings.HasPrefix(ticket, OfflineTicketPrefix)
}
