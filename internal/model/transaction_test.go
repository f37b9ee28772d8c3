package model

import "testing"

func TestSyncStatusValid(t *testing.T) {
	for _, s := range []SyncStatus{SyncPending, SyncSyncing, SyncSynced, SyncFailed} {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if SyncStatus("DONE").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestTransactionRequestValidate(t *testing.T) {
	customer := Customer{Email: "ana@example.com", BadgeCode: "B-1"}

	tests := []struct {
		name    string
		req     TransactionRequest
		wantErr bool
	}{
		{"valid", TransactionRequest{Customer: customer, Lines: []RequestLine{{ArticleID: 1, Quantity: 2}}}, false},
		{"no email", TransactionRequest{Lines: []RequestLine{{ArticleID: 1, Quantity: 1}}}, true},
		{"no lines", TransactionRequest{Customer: customer}, true},
		{"zero quantity", TransactionRequest{Customer: customer, Lines: []RequestLine{{ArticleID: 1}}}, true},
		{"bad article", TransactionRequest{Customer: customer, Lines: []RequestLine{{Quantity: 1}}}, true},
	}

	for _, tt := range tests {
		err := tt.req.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}
