package session

import (
	"fmt"
	"os"
	"regexp"
)

const (
	DefaultName = "main"
	// NameEnv selects the session when no flag is given.
	NameEnv = "CHATSYNC_SESSION"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to session naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve picks the session name: the flag, then $CHATSYNC_SESSION,
// then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(NameEnv); env != "" {
		return env
	}
	return DefaultName
}
