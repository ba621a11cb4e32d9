package domain

import (
	"encoding/base64"
	"encoding/hex"
)

// AssetIDLen is the size of a taproot asset id in bytes.
const AssetIDLen = 32

var assetIDEncodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.URLEncoding,
	base64.RawStdEncoding,
	base64.RawURLEncoding,
}

// CanonicalAssetID returns the lower-case hex form of a 32-byte asset id
// given as hex or base64. Anything else is returned unchanged. Every ledger
// and balance key goes through this.
func CanonicalAssetID(id string) string {
	if b, err := hex.DecodeString(id); err == nil && len(b) == AssetIDLen {
		return hex.EncodeToString(b)
	}
	for _, enc := range assetIDEncodings {
		if b, err := enc.DecodeString(id); err == nil && len(b) == AssetIDLen {
			return hex.EncodeToString(b)
		}
	}
	return id
}
