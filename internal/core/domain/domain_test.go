package domain

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransaction_IsTerminal(t *testing.T) {
	tests := []struct {
		name   string
		status TransactionStatus
		want   bool
	}{
		{"pending", TransactionStatusPending, false},
		{"confirmed", TransactionStatusConfirmed, true},
		{"failed", TransactionStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &Transaction{Status: tt.status}
			assert.Equal(t, tt.want, tx.IsTerminal())
		})
	}
}

func TestTransaction_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name string
		from TransactionStatus
		to   TransactionStatus
		want bool
	}{
		{"pending to confirmed", TransactionStatusPending, TransactionStatusConfirmed, true},
		{"pending to failed", TransactionStatusPending, TransactionStatusFailed, true},
		{"pending to pending", TransactionStatusPending, TransactionStatusPending, false},
		{"confirmed to failed", TransactionStatusConfirmed, TransactionStatusFailed, false},
		{"confirmed to confirmed", TransactionStatusConfirmed, TransactionStatusConfirmed, false},
		{"failed to confirmed", TransactionStatusFailed, TransactionStatusConfirmed, false},
		{"failed to pending", TransactionStatusFailed, TransactionStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &Transaction{Status: tt.from}
			assert.Equal(t, tt.want, tx.CanTransitionTo(tt.to))
		})
	}
}

func TestValidateEntry(t *testing.T) {
	asset := StrPtr("asset-1")

	tests := []struct {
		name    string
		txType  TransactionType
		assetID *string
		amount  int64
		wantErr bool
	}{
		{"send negative", TransactionTypeSend, asset, -10, false},
		{"send positive", TransactionTypeSend, asset, 10, true},
		{"receive positive", TransactionTypeReceive, asset, 10, false},
		{"receive negative", TransactionTypeReceive, asset, -10, true},
		{"mint positive", TransactionTypeMint, asset, 1000, false},
		{"mint negative", TransactionTypeMint, asset, -1, true},
		{"issuance positive", TransactionTypeIssuance, asset, 5, false},
		{"issuance negative", TransactionTypeIssuance, asset, -5, true},
		{"reconciliation positive", TransactionTypeReconciliation, asset, 150, false},
		{"reconciliation negative", TransactionTypeReconciliation, asset, -150, false},
		{"reconciliation zero", TransactionTypeReconciliation, asset, 0, true},
		{"zero send", TransactionTypeSend, asset, 0, true},
		{"missing asset", TransactionTypeSend, nil, -10, true},
		{"empty asset", TransactionTypeMint, StrPtr(""), 10, true},
		{"unknown type", TransactionType("BURN"), asset, 10, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEntry(tt.txType, tt.assetID, tt.amount)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidEntry))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIntent_Fingerprint(t *testing.T) {
	base := Intent{Type: TransactionTypeSend, AssetID: "a", Amount: -10, Destination: "addr"}

	assert.Len(t, base.Fingerprint(), 64)
	assert.Equal(t, base.Fingerprint(), base.Fingerprint())

	changed := base
	changed.Amount = -11
	assert.NotEqual(t, base.Fingerprint(), changed.Fingerprint())

	// field boundaries are length-prefixed
	a := Intent{Type: TransactionTypeSend, AssetID: "ab", Destination: "c"}
	b := Intent{Type: TransactionTypeSend, AssetID: "a", Destination: "bc"}
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestDaemonError(t *testing.T) {
	var err error = &DaemonError{Code: "400", Message: "invalid address"}
	assert.Equal(t, "daemon error 400: invalid address", err.Error())

	var de *DaemonError
	assert.True(t, errors.As(err, &de))
	assert.False(t, errors.Is(err, ErrDaemonUnavailable))
}

func TestStrPtr(t *testing.T) {
	assert.Nil(t, StrPtr(""))
	assert.Equal(t, "x", *StrPtr("x"))
}

func TestTransaction_Intent(t *testing.T) {
	tx := &Transaction{
		Type:        TransactionTypeSend,
		AssetID:     StrPtr("aa"),
		Amount:      -5,
		Destination: StrPtr("taprt1xyz"),
	}
	want := Intent{Type: TransactionTypeSend, AssetID: "aa", Amount: -5, Destination: "taprt1xyz"}

	assert.Equal(t, want, tx.Intent())
	assert.Equal(t, want.Fingerprint(), tx.Intent().Fingerprint())
}

func TestCanonicalAssetID(t *testing.T) {
	raw := bytes.Repeat([]byte{0xab}, AssetIDLen)
	canonical := hex.EncodeToString(raw)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lower hex", canonical, canonical},
		{"upper hex", strings.ToUpper(canonical), canonical},
		{"std base64", base64.StdEncoding.EncodeToString(raw), canonical},
		{"url base64", base64.URLEncoding.EncodeToString(raw), canonical},
		{"raw url base64", base64.RawURLEncoding.EncodeToString(raw), canonical},
		{"short name", "gold", "gold"},
		{"short hex", "abab", "abab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalAssetID(tt.in))
		})
	}
}
