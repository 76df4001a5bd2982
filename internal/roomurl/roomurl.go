// Package roomurl canonicalizes room URLs so every subsystem agrees on
// a single key per room. The canonical form also feeds the 12-char
// hash used as the room's file namespace.
package roomurl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// HashLen is the number of hex characters kept from the SHA-256 of a
// canonical room URL.
const HashLen = 12

// Canonical normalizes a room URL: lowercase scheme and host, default
// ports 80/443 dropped, trailing slash stripped. The path keeps its
// case unless lowerPath is set.
func Canonical(raw string, lowerPath bool) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("room url is empty")
	}

	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid room url %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("room url %q missing scheme or host", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = host + ":" + port
	}

	path := strings.TrimRight(u.Path, "/")
	if lowerPath {
		path = strings.ToLower(path)
	}

	return scheme + "://" + host + path, nil
}

// Hash returns the first HashLen hex characters of the SHA-256 of the
// canonical URL. Used as the file-namespace key for pre-spawn spools.
func Hash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:HashLen]
}

// CanonicalHash is a convenience that canonicalizes then hashes.
func CanonicalHash(raw string, lowerPath bool) (string, string, error) {
	c, err := Canonical(raw, lowerPath)
	if err != nil {
		return "", "", err
	}
	return c, Hash(c), nil
}
