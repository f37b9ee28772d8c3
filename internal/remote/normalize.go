package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/erazemk/blagajna/internal/model"
)

// unwrap maps every accepted response envelope onto its payload: a bare value,
// {"data": ...}, {"items": [...]}, {"content": [...]} and {"success": bool,
// "data": ...}. Envelopes may nest, as in {"data": {"content": [...]}}.
// success=false is turned into a rejected APIError.
func unwrap(body []byte, status int) (json.RawMessage, error) {
	payload := json.RawMessage(bytes.TrimSpace(body))
	for depth := 0; depth < 3; depth++ {
		if len(payload) == 0 || payload[0] != '{' {
			return payload, nil
		}

		var env map[string]json.RawMessage
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}

		if raw, ok := env["success"]; ok {
			var success bool
			if err := json.Unmarshal(raw, &success); err == nil && !success {
				return nil, &APIError{Status: status, Message: fields(env).str("message", "error"), Rejected: true}
			}
		}

		inner := fields(env).raw("data", "items", "content")
		if inner == nil {
			return payload, nil
		}
		payload = inner
	}
	return payload, nil
}

// unwrapList is unwrap for endpoints that return collections. A single
// object payload is treated as a one-element list.
func unwrapList(body []byte, status int) ([]fields, error) {
	payload, err := unwrap(body, status)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 || string(payload) == "null" {
		return []fields{}, nil
	}

	if payload[0] == '{' {
		one, err := decodeFields(payload)
		if err != nil {
			return nil, err
		}
		return []fields{one}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(payload, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	out := make([]fields, 0, len(raws))
	for _, r := range raws {
		f, err := decodeFields(r)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func unwrapObject(body []byte, status int) (fields, error) {
	payload, err := unwrap(body, status)
	if err != nil {
		return nil, err
	}
	return decodeFields(payload)
}

func decodeFields(raw json.RawMessage) (fields, error) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return f, nil
}

// fields is a decoded JSON object read through lists of accepted key aliases.
type fields map[string]json.RawMessage

func (f fields) raw(keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := f[k]; ok && string(v) != "null" {
			return v
		}
	}
	return nil
}

func (f fields) str(keys ...string) string {
	v := f.raw(keys...)
	if v == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	// Numbers used as codes.
	return string(v)
}

func (f fields) int64(keys ...string) int64 {
	v := f.raw(keys...)
	if v == nil {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	i, _ := strconv.ParseInt(f.str(keys...), 10, 64)
	return i
}

func (f fields) decimal(keys ...string) decimal.Decimal {
	v := f.raw(keys...)
	if v == nil {
		return decimal.Zero
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(v); err != nil {
		return decimal.Zero
	}
	return d
}

func (f fields) boolOr(def bool, keys ...string) bool {
	v := f.raw(keys...)
	if v == nil {
		return def
	}
	var b bool
	if err := json.Unmarshal(v, &b); err != nil {
		return def
	}
	return b
}

func (f fields) time(keys ...string) time.Time {
	s := f.str(keys...)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func (f fields) list(keys ...string) []fields {
	v := f.raw(keys...)
	if v == nil {
		return nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(v, &raws); err != nil {
		return nil
	}
	out := make([]fields, 0, len(raws))
	for _, r := range raws {
		if sub, err := decodeFields(r); err == nil {
			out = append(out, sub)
		}
	}
	return out
}

func catalogueItemFrom(f fields) model.CatalogueItem {
	return model.CatalogueItem{
		ID:        f.int64("id", "articleId", "article_id"),
		Name:      f.str("name", "label", "title"),
		Price:     f.decimal("price", "unitPrice", "unit_price"),
		Quantity:  int(f.int64("quantity", "stock", "quantityOnHand", "quantity_on_hand")),
		Available: f.boolOr(true, "available", "isAvailable", "is_available"),
		Active:    f.boolOr(true, "active", "isActive", "is_active"),
		ImageURL:  f.str("imageUrl", "image_url", "image"),
	}
}

func badgeProfileFrom(f fields) model.BadgeProfile {
	// Some servers nest the holder under "user".
	if u := f.raw("user"); u != nil {
		if nested, err := decodeFields(u); err == nil {
			if code := f.raw("badgeCode", "badge_code", "code"); code != nil && nested.raw("badgeCode", "badge_code") == nil {
				nested["badgeCode"] = code
			}
			f = nested
		}
	}
	return model.BadgeProfile{
		ID:         f.int64("id", "userId", "user_id"),
		FirstName:  f.str("firstName", "first_name"),
		LastName:   f.str("lastName", "last_name"),
		Email:      f.str("email"),
		BadgeCode:  f.str("badgeCode", "badge_code", "code"),
		Balance:    f.decimal("balance"),
		CategoryID: f.int64("categoryId", "category_id"),
		Active:     f.boolOr(true, "active", "isActive", "is_active"),
	}
}

func transactionResultFrom(f fields) *model.TransactionResult {
	res := &model.TransactionResult{
		TransactionID: f.int64("id", "transactionId", "transaction_id"),
		TicketNumber:  f.str("ticketNumber", "ticket_number", "ticket"),
		CreatedAt:     f.time("createdAt", "created_at"),
		TotalAmount:   f.decimal("totalAmount", "total_amount", "total"),
		EmployeeShare: f.decimal("employeeShare", "employee_share"),
		EmployerShare: f.decimal("employerShare", "employer_share"),
		Lines:         []model.Line{},
	}
	for _, l := range f.list("lines") {
		res.Lines = append(res.Lines, model.Line{
			ArticleID:      l.int64("articleId", "article_id"),
			Name:           l.str("name", "articleName", "article_name"),
			Quantity:       int(l.int64("quantity")),
			UnitPrice:      l.decimal("unitPrice", "unit_price"),
			LineTotal:      l.decimal("lineTotal", "line_total", "total"),
			Subsidy:        l.decimal("subsidy", "subsidyAmount", "subsidy_amount"),
			EmployeeAmount: l.decimal("employeeAmount", "employee_amount"),
		})
	}
	return res
}
