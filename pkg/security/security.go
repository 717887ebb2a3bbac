// Package security provides validation, sanitization, and limits for the
// stagehand-jobs package.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/shrey150/stagehand-jobs/pkg/core"
)

// Security limits and configuration
const (
	// MaxCallbackNameLength is the maximum length for callback and task names
	MaxCallbackNameLength = 255

	// MaxParamsSize is the maximum size in bytes for job parameters (1MB)
	MaxParamsSize = 1 << 20

	// MaxRetries is the hard limit for per-job retry budgets
	MaxRetries = 100

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxResponseBodyLength bounds stored webhook response bodies (1KB)
	MaxResponseBodyLength = 1024
)

// validName matches alphanumeric, hyphens, underscores, and dots
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateCallbackName validates a callback reference name.
func ValidateCallbackName(name string) error {
	if name == "" {
		return core.ErrInvalidCallbackName
	}
	if len(name) > MaxCallbackNameLength {
		return core.ErrCallbackNameTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidCallbackName
	}
	return nil
}

// ValidateTaskName validates a scheduler function name.
func ValidateTaskName(name string) error {
	if name == "" || len(name) > MaxCallbackNameLength || !validName.MatchString(name) {
		return core.ErrInvalidTaskName
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// TruncateResponseBody bounds a stored webhook response body so the ledger
// cannot grow without limit.
func TruncateResponseBody(body string) string {
	if len(body) <= MaxResponseBodyLength {
		return body
	}
	return body[:MaxResponseBodyLength]
}

// ClampRetries ensures a retry budget is within limits.
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}
