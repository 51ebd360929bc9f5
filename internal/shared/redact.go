package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	// Provider API keys behind key-like prefixes
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Gemini keys
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// Anthropic / OpenAI style keys
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
	// Keyword form of a postgres DSN: password=...
	regexp.MustCompile(`(?i)(password\s*=\s*)('[^']*'|[^\s]+)`),
}

// dsnPassword matches the userinfo password of a URL-form DSN.
var dsnPassword = regexp.MustCompile(`(?i)((?:postgres|postgresql)://[^:/@\s]+:)([^@\s]+)(@)`)

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := dsnPassword.ReplaceAllString(input, "${1}"+redactedPlaceholder+"${3}")
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential", "dsn", "database_url"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
