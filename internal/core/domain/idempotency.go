package domain

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// IdempotencyRecord binds a caller-supplied key to the transaction it produced.
type IdempotencyRecord struct {
	Key           string    `json:"key"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Fingerprint   string    `json:"fingerprint"`
	CreatedAt     time.Time `json:"created_at"`
}

// Intent describes what a submitted operation wants to do. Two submissions
// with the same key must carry the same intent.
type Intent struct {
	Type        TransactionType
	AssetID     string
	Amount      int64
	Destination string
	Description string
}

// Fingerprint returns the hex BLAKE2b-256 digest of the intent.
func (i Intent) Fingerprint() string {
	h, _ := blake2b.New256(nil) // only fails for keys longer than 64 bytes
	for _, part := range []string{
		string(i.Type),
		i.AssetID,
		strconv.FormatInt(i.Amount, 10),
		i.Destination,
		i.Description,
	} {
		h.Write([]byte(strconv.Itoa(len(part))))
		h.Write([]byte{':'})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Intent rebuilds the intent a ledger entry was created for.
func (t *Transaction) Intent() Intent {
	in := Intent{Type: t.Type, AssetID: t.Asset(), Amount: t.Amount}
	if t.Destination != nil {
		in.Destination = *t.Destination
	}
	if t.Description != nil {
		in.Description = *t.Description
	}
	return in
}
