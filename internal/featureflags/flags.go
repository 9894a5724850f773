package featureflags

import (
	"os"
	"strings"
)

// Known flags.
const (
	// AutoResolveDuplicates lets the reconciliation worker retire duplicate
	// never-activated invites instead of only reporting them.
	AutoResolveDuplicates = "auto_resolve_duplicates"
	// StrictEmailIndex makes startup fail when the store-level unique email
	// index cannot be created.
	StrictEmailIndex = "strict_email_index"
)

// Enabled returns true if a flag is enabled via environment variable.
// Flags are read from env as FLAG_<NAME>=true/1/yes (case-insensitive)
func Enabled(name string) bool {
	return parse(os.Getenv("FLAG_" + strings.ToUpper(name)))
}

// EnabledOr is Enabled with a default for unset flags.
func EnabledOr(name string, def bool) bool {
	v, ok := os.LookupEnv("FLAG_" + strings.ToUpper(name))
	if !ok {
		return def
	}
	return parse(v)
}

func parse(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
