// internal/recorder/mask.go
package recorder

import (
	"regexp"
	"strings"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

// MaskedValue replaces any value a MaskPolicy withholds.
const MaskedValue = "********"

// MaskPolicy decides whether a committed field value is stored verbatim.
type MaskPolicy interface {
	// Mask returns the value to store and whether it was masked.
	Mask(field ElementDescriptor, value string) (string, bool)
}

// NoMask stores every value as typed.
type NoMask struct{}

func (NoMask) Mask(_ ElementDescriptor, value string) (string, bool) { return value, false }

// SensitiveMask withholds passwords, credential-like fields, email
// addresses and card numbers that pass the Luhn check.
type SensitiveMask struct{}

var (
	sensitiveName = regexp.MustCompile(`(?i)(passw(or)?d|passcode|pwd|secret|token|cvv|cvc|ssn|(^|[_-])(pin|otp)($|[_-]))`)
	emailLike     = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	cardLike      = regexp.MustCompile(`^[0-9][0-9 -]{11,22}[0-9]$`)
)

func (SensitiveMask) Mask(field ElementDescriptor, value string) (string, bool) {
	if value == "" {
		return value, false
	}
	if isSensitiveField(field) {
		return MaskedValue, true
	}
	v := strings.TrimSpace(value)
	if emailLike.MatchString(v) {
		return MaskedValue, true
	}
	if cardLike.MatchString(v) && luhnValid(v) {
		return MaskedValue, true
	}
	return value, false
}

func isSensitiveField(field ElementDescriptor) bool {
	switch strings.ToLower(field.Type) {
	case "password", "email":
		return true
	}
	ac := strings.ToLower(field.Autocomplete)
	if strings.HasPrefix(ac, "cc-") || strings.Contains(ac, "password") || ac == "one-time-code" {
		return true
	}
	return sensitiveName.MatchString(field.Name) || sensitiveName.MatchString(field.ID)
}

// luhnValid checks a digit string, ignoring spaces and dashes, against the
// Luhn checksum. Only 13 to 19 digit numbers qualify.
func luhnValid(number string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if alt {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		alt = !alt
	}
	return sum%10 == 0
}

// MaskPolicyFor picks the policy a recording config asks for.
func MaskPolicyFor(cfg schemas.RecordingConfig) MaskPolicy {
	if cfg.MaskSensitiveInput {
		return SensitiveMask{}
	}
	return NoMask{}
}
