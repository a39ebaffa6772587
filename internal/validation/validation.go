// Package validation holds request-size limits and the field validators used
// to check tool payloads before any payment is taken.
package validation

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// LengthBetween checks min <= len(value) <= max, counted in runes.
// Empty values pass; pair with Required.
func LengthBetween(field, value string, min, max int) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		n := len([]rune(value))
		if n < min || n > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d characters", min, max)}
		}
		return nil
	}
}

// IntBetween checks min <= value <= max.
func IntBetween(field string, value, min, max int64) func() *ValidationError {
	return func() *ValidationError {
		if value < min || value > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", min, max)}
		}
		return nil
	}
}

// OneOf checks value is one of allowed. Empty values pass.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" || slices.Contains(allowed, value) {
			return nil
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// PublicHTTPSURL checks value is an https URL whose host is not an internal
// name or a private, loopback, link-local or unspecified IP literal. Names are
// not resolved here; the renderer's outbound fetcher re-checks after DNS.
func PublicHTTPSURL(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if err := checkPublicHTTPS(value); err != nil {
			return &ValidationError{Field: field, Message: err.Error()}
		}
		return nil
	}
}

func checkPublicHTTPS(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" {
		return fmt.Errorf("must be an https:// URL")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	for _, b := range []string{"localhost", "metadata.google.internal"} {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		switch {
		case ip.IsLoopback():
			return fmt.Errorf("loopback addresses are not allowed")
		case ip.IsPrivate():
			return fmt.Errorf("private addresses are not allowed")
		case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
			return fmt.Errorf("link-local addresses are not allowed")
		case ip.IsUnspecified():
			return fmt.Errorf("unspecified addresses are not allowed")
		}
	}
	return nil
}

// SanitizeString trims whitespace and strips null bytes.
func SanitizeString(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
}
