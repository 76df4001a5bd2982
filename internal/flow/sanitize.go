package flow

import (
	"strings"
)

// profileWhitelist is the set of profile fields allowed into LLM role
// context. Everything else is stripped before a profile enters the
// flow layer.
var profileWhitelist = map[string]bool{
	"firstName":               true,
	"preferredName":           true,
	"role":                    true,
	"title":                   true,
	"team":                    true,
	"pronouns":                true,
	"location":                true,
	"city":                    true,
	"country":                 true,
	"timezone":                true,
	"shortBio":                true,
	"lastConversationSummary": true,
}

// Display-name rewrites for anonymous participants.
const (
	anonymousName    = "anonymous"
	anonymousGreet   = "friend"
	anonymousContext = "there"
)

// emailKey reports whether a key smells like an email field. These are
// blocked unconditionally, whitelist or not.
func emailKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "email")
}

// SanitizeProfile filters a raw profile down to the whitelist.
// Children of a "metadata" map are folded into the top level first,
// so metadata.team survives as team. lastConversationSummary is only
// kept for private sessions.
func SanitizeProfile(raw map[string]interface{}, private bool) map[string]interface{} {
	if raw == nil {
		return nil
	}

	flat := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if k == "metadata" {
			if meta, ok := v.(map[string]interface{}); ok {
				for mk, mv := range meta {
					flat[mk] = mv
				}
			}
			continue
		}
		flat[k] = v
	}

	out := make(map[string]interface{})
	for k, v := range flat {
		if emailKey(k) {
			continue
		}
		if !profileWhitelist[k] {
			continue
		}
		if k == "lastConversationSummary" && !private {
			continue
		}
		// Nested values never pass; role context is flat strings.
		switch v.(type) {
		case map[string]interface{}, []interface{}:
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// GreetingName returns the name used when greeting a participant.
func GreetingName(displayName string) string {
	if strings.EqualFold(strings.TrimSpace(displayName), anonymousName) {
		return anonymousGreet
	}
	return displayName
}

// ContextName returns the name used for a participant in role context.
func ContextName(displayName string) string {
	if strings.EqualFold(strings.TrimSpace(displayName), anonymousName) {
		return anonymousContext
	}
	return displayName
}
