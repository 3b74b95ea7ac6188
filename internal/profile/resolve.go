package profile

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/matheus3301/tarpsync/internal/config"
)

// DefaultName is used when neither the flag nor the config names a profile.
const DefaultName = "main"

// ErrInvalidName is wrapped by ValidateName failures.
var ErrInvalidName = errors.New("invalid profile name")

var nameRegexp = regexp.MustCompile(`^[a-z0-9_][a-z0-9_-]{0,63}$`)

// Resolve determines the active profile name using precedence:
// 1. flagOverride (--profile flag)
// 2. config.toml default_profile
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultName
}

// ValidateName rejects names that cannot be used as a directory under
// profiles/. A leading hyphen is refused so names never parse as flags.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: use 1-64 of a-z, 0-9, _ and -, not starting with -", ErrInvalidName, name)
	}
	return nil
}
