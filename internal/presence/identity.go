package presence

import (
	"errors"
	"strings"
	"unicode"
)

// ErrInvalidTarget is returned by ParseTarget for inputs that do not look
// like a phone number.
var ErrInvalidTarget = errors.New("invalid target number")

// minTargetDigits is the shortest accepted number (country code + area code + line).
const minTargetDigits = 10

// NormalizeIdentity strips the device suffix from an identity, so
// "12345:7@domain" becomes "12345@domain". Identities without a device
// suffix are returned unchanged.
func NormalizeIdentity(id string) string {
	user, domain, hasDomain := strings.Cut(id, "@")
	if base, _, ok := strings.Cut(user, ":"); ok {
		user = base
	}
	if !hasDomain {
		return user
	}
	return user + "@" + domain
}

// ParseTarget turns user input such as "+55 (11) 91234-5678" into a bare
// identity on domain.
func ParseTarget(input, domain string) (string, error) {
	if strings.Contains(input, "@") {
		id := NormalizeIdentity(strings.TrimSpace(input))
		user, _, _ := strings.Cut(id, "@")
		if len(user) < minTargetDigits || strings.IndexFunc(user, func(r rune) bool { return !unicode.IsDigit(r) }) >= 0 {
			return "", ErrInvalidTarget
		}
		return id, nil
	}

	var b strings.Builder
	for _, r := range input {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() < minTargetDigits {
		return "", ErrInvalidTarget
	}
	return b.String() + "@" + domain, nil
}

// identitySet is the set of device identities a session accepts
// acknowledgments from.
type identitySet map[string]struct{}

func (s identitySet) add(id string) {
	s[id] = struct{}{}
}

// matches reports whether id, or its bare form, is tracked.
func (s identitySet) matches(id string) bool {
	if _, ok := s[id]; ok {
		return true
	}
	_, ok := s[NormalizeIdentity(id)]
	return ok
}
