package tapd

import (
	"encoding/base64"
	"encoding/hex"

	"asset-ledger/internal/core/domain"
)

// encodeAssetID turns a hex asset id into the base64 the gateway expects
// for byte fields in request bodies.
func encodeAssetID(id string) string {
	if b, err := hex.DecodeString(id); err == nil && len(b) == domain.AssetIDLen {
		return base64.StdEncoding.EncodeToString(b)
	}
	return id
}

// batchKeyParam renders a mint batch key for a URL path. The gateway
// returns byte fields as standard base64; path parameters need the
// URL-safe alphabet.
func batchKeyParam(key string) string {
	if b, err := base64.StdEncoding.DecodeString(key); err == nil {
		return base64.URLEncoding.EncodeToString(b)
	}
	if b, err := hex.DecodeString(key); err == nil {
		return base64.URLEncoding.EncodeToString(b)
	}
	return key
}
