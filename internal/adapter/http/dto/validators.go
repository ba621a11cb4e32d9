package dto

import (
	"regexp"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// Asset ids arrive as hex or URL-safe base64; idempotency keys are opaque
// but restricted to a log-safe alphabet.
var (
	safeIDRe         = regexp.MustCompile(`^[a-zA-Z0-9_\-\.=]{1,128}$`)
	idempotencyKeyRe = regexp.MustCompile(`^[a-zA-Z0-9_\-\.:]{1,128}$`)
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("safe_id", validateSafeID)
	}
}

func validateSafeID(fl validator.FieldLevel) bool {
	return ValidAssetID(fl.Field().String())
}

// ValidAssetID reports whether s can be used as an asset id path segment.
func ValidAssetID(s string) bool {
	return safeIDRe.MatchString(s)
}

// ValidIdempotencyKey reports whether key can be used as an idempotency key.
func ValidIdempotencyKey(key string) bool {
	return idempotencyKeyRe.MatchString(key)
}

// Trim removes surrounding whitespace from the destination.
func (r *SendRequest) Trim() {
	r.Destination = strings.TrimSpace(r.Destination)
}

// Trim removes surrounding whitespace from the description.
func (r *InvoiceRequest) Trim() {
	r.Description = strings.TrimSpace(r.Description)
}
