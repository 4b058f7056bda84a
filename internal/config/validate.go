package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	e164Pattern     = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	threadIDPattern = regexp.MustCompile(`^[a-zA-Z0-9+@._\-;]{1,200}$`)

	// automationSigils are the host-automation keywords §4.10 requires
	// message_text to be free of (case-insensitive).
	automationSigils = []string{
		"do shell script",
		"tell application",
		"activate application",
		"system events",
		"run",
		"execute",
	}
)

// newValidator builds the validator instance shared by config loading
// (§6.1) and command payload validation (§4.10) — the same "thread_id
// character set" and "no injection sigils" rules apply in both places.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("e164", func(fl validator.FieldLevel) bool {
		return e164Pattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("edge_thread_id", func(fl validator.FieldLevel) bool {
		return threadIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("edge_safe_text", func(fl validator.FieldLevel) bool {
		return !ContainsAutomationSigil(fl.Field().String())
	})
	return v
}

// NewValidator exposes the shared validator to other packages (the
// command executor validates payloads with the exact same rules).
func NewValidator() *validator.Validate {
	return newValidator()
}

// ContainsAutomationSigil reports whether text contains one of the
// host-automation keywords §4.10 forbids in message_text, matched
// case-insensitively as whole words for the bare "run"/"execute" forms
// to avoid rejecting ordinary words like "running" or "executive".
func ContainsAutomationSigil(text string) bool {
	lower := strings.ToLower(text)
	for _, sigil := range automationSigils {
		if sigil == "run" || sigil == "execute" {
			if matchesWord(lower, sigil) {
				return true
			}
			continue
		}
		if strings.Contains(lower, sigil) {
			return true
		}
	}
	return false
}

var (
	runWordPattern     = regexp.MustCompile(`\brun\b`)
	executeWordPattern = regexp.MustCompile(`\bexecute\b`)
)

func matchesWord(lower, word string) bool {
	switch word {
	case "run":
		return runWordPattern.MatchString(lower)
	case "execute":
		return executeWordPattern.MatchString(lower)
	default:
		return false
	}
}

func edgeSecretFromEnv() string {
	return os.Getenv("EDGE_SECRET")
}
