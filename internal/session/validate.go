package session

import (
	"fmt"
	"regexp"
)

// A session name becomes path segments under ~/.fixsync (directory, socket,
// cache.db) and a log field, so the charset is held to a safe filesystem
// subset and a length the socket path limit can absorb.
var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName rejects names that cannot safely name a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: use 1-64 characters of [a-z0-9_-]", name)
	}
	return nil
}
