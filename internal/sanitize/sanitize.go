package sanitize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Limits for merchant-provided free-form fields.
const (
	MaxOrderIDLen      = 100
	MaxMetadataKeys    = 20
	MaxMetadataKeyLen  = 50
	MaxMetadataValLen  = 500
	MaxMetadataJSONLen = 1024
)

// strict strips every HTML element and attribute.
var strict = bluemonday.StrictPolicy()

var (
	protocolPattern = regexp.MustCompile(`(?i)(javascript|data)\s*:`)
	handlerPattern  = regexp.MustCompile(`(?i)\bon\w+\s*=`)
)

// String scrubs a merchant-provided string: HTML tags removed, script-ish
// protocols and inline event handlers stripped, surrounding whitespace trimmed.
func String(s string) string {
	s = strict.Sanitize(s)
	s = protocolPattern.ReplaceAllString(s, "")
	s = handlerPattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// OrderID sanitizes and validates a merchant order id.
func OrderID(raw string) (string, error) {
	cleaned := String(raw)
	if len(cleaned) > MaxOrderIDLen {
		return "", fmt.Errorf("sanitize: order id exceeds %d characters", MaxOrderIDLen)
	}
	return cleaned, nil
}

// Metadata sanitizes and validates a merchant metadata map. Limits apply to
// the sanitized form: key and value lengths, key count, and total JSON size.
func Metadata(raw map[string]string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) > MaxMetadataKeys {
		return nil, fmt.Errorf("sanitize: metadata exceeds %d keys", MaxMetadataKeys)
	}

	cleaned := make(map[string]string, len(raw))
	for k, v := range raw {
		ck := String(k)
		cv := String(v)
		if ck == "" {
			return nil, fmt.Errorf("sanitize: metadata key empty after sanitization")
		}
		if len(ck) > MaxMetadataKeyLen {
			return nil, fmt.Errorf("sanitize: metadata key exceeds %d characters", MaxMetadataKeyLen)
		}
		if len(cv) > MaxMetadataValLen {
			return nil, fmt.Errorf("sanitize: metadata value exceeds %d characters", MaxMetadataValLen)
		}
		cleaned[ck] = cv
	}

	encoded, err := json.Marshal(cleaned)
	if err != nil {
		return nil, fmt.Errorf("sanitize: encode metadata: %w", err)
	}
	if len(encoded) > MaxMetadataJSONLen {
		return nil, fmt.Errorf("sanitize: metadata exceeds %d bytes", MaxMetadataJSONLen)
	}

	return cleaned, nil
}
