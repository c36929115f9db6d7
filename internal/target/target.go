// Package target parses free-form WeCom addressing strings into structured
// recipients. Only machine-deliverable ids are accepted; anything that looks
// like a display name is rejected rather than guessed at.
package target

import (
	"regexp"
	"strings"
	"unicode"
)

// Kind selects between a direct message and a group chat.
type Kind string

const (
	KindUser  Kind = "user"
	KindGroup Kind = "group"
)

// PlatformPrefix is the optional leading platform marker ("wecom:user:alice").
const PlatformPrefix = "wecom:"

const (
	userPrefix  = "user:"
	groupPrefix = "group:"
	chatPrefix  = "chat:"
)

var (
	// Bare targets are treated as user ids and must be lowercase so that a
	// display name like "ZhangSan" is never delivered to by accident.
	bareUserIDPattern     = regexp.MustCompile(`^[a-z0-9][a-z0-9._@-]{0,63}$`)
	explicitUserIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,63}$`)
	groupIDPattern        = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,127}$`)
	emailPattern          = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// Target is a parsed recipient. An empty AccountID selects the default account.
type Target struct {
	Kind      Kind   `json:"kind"`
	ID        string `json:"id"`
	AccountID string `json:"accountId,omitempty"`
}

// String renders the canonical "kind:id[@accountId]" form accepted by Parse.
func (t Target) String() string {
	s := string(t.Kind) + ":" + t.ID
	if t.AccountID != "" {
		s += "@" + t.AccountID
	}
	return s
}

// Display renders "kind:id" without the account qualifier.
func (t Target) Display() string {
	return string(t.Kind) + ":" + t.ID
}

// Parse turns raw into a Target. ok is false when raw cannot be addressed;
// there is no partial result.
func Parse(raw string) (Target, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Target{}, false
	}
	s = strings.TrimPrefix(s, PlatformPrefix)

	var accountID string
	s, accountID = splitAccount(s)

	if rest, found := strings.CutPrefix(s, chatPrefix); found {
		s = groupPrefix + rest
	}

	if rest, found := strings.CutPrefix(s, groupPrefix); found {
		rest = strings.TrimSpace(rest)
		if rest == "" || hasSpace(rest) || !groupIDPattern.MatchString(rest) {
			return Target{}, false
		}
		return Target{Kind: KindGroup, ID: rest, AccountID: accountID}, true
	}

	id, explicit := strings.CutPrefix(s, userPrefix)
	id = strings.TrimSpace(id)
	if id == "" || hasSpace(id) {
		return Target{}, false
	}
	pattern := bareUserIDPattern
	if explicit {
		pattern = explicitUserIDPattern
	}
	if !pattern.MatchString(id) {
		return Target{}, false
	}
	return Target{Kind: KindUser, ID: id, AccountID: accountID}, true
}

// splitAccount peels a trailing "@account" qualifier off s. Email-style user
// ids are valid bare ids on WeCom and are left intact.
func splitAccount(s string) (string, string) {
	if emailPattern.MatchString(s) {
		return s, ""
	}
	at := strings.LastIndex(s, "@")
	if at <= 0 || at >= len(s)-1 {
		return s, ""
	}
	candidate := s[at+1:]
	if strings.ContainsAny(candidate, ":/") {
		return s, ""
	}
	return s[:at], candidate
}

func hasSpace(s string) bool {
	return strings.IndexFunc(s, unicode.IsSpace) >= 0
}

// CanResolve reports whether raw parses.
func CanResolve(raw string) bool {
	_, ok := Parse(raw)
	return ok
}

// Normalize returns the canonical form of raw, or ok=false if it does not parse.
func Normalize(raw string) (string, bool) {
	t, ok := Parse(raw)
	if !ok {
		return "", false
	}
	return t.String(), true
}

// LooksLikeID is the address-detection predicate used by the host. When a
// normalized form is supplied it is checked instead of raw.
func LooksLikeID(raw, normalized string) bool {
	candidate := raw
	if normalized != "" {
		candidate = normalized
	}
	return CanResolve(strings.TrimSpace(candidate))
}

// FormatDisplay prefers the canonical "kind:id" rendering of target and only
// falls back to the free-text display when target does not parse.
func FormatDisplay(target, display string) string {
	if t, ok := Parse(target); ok {
		return t.Display()
	}
	if d := strings.TrimSpace(display); d != "" {
		return d
	}
	return target
}

// Formats lists the target string formats advertised to callers.
func Formats() []string {
	return []string{
		PlatformPrefix + "user:<userId>",
		"user:<userId>",
		"group:<chatId>",
		"<userid-lowercase>",
	}
}

// Hint is a one-line usage hint for address prompts.
const Hint = "Use WeCom ids only: user:<userid> for DM, group:<chatid> for groups (optional @accountId)."
