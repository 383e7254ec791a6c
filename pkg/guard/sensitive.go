// Package guard detects sensitive files in a worker's commits and
// reverts them while preserving the rest of the diff, so a task's output
// can never publish credentials or key material even if the worker tried
// to commit them.
package guard

import "strings"

// IsSensitive reports whether a forward-slash path matches the fixed,
// case-sensitive sensitive-path predicate: a final segment beginning with
// ".env", matching "id_rsa*", equal to "credentials.json" or
// "serviceAccountKey.json"; any path segment equal to "secrets"; or a
// final segment ending in ".key" or ".pem". Rules are conjunction-free —
// a single match is sufficient. Only the path is examined; file contents
// are never inspected, so a secret in a file with an ordinary name is
// not detected.
func IsSensitive(path string) bool {
	segments := strings.Split(path, "/")
	final := segments[len(segments)-1]

	if strings.HasPrefix(final, ".env") {
		return true
	}
	if strings.HasPrefix(final, "id_rsa") {
		return true
	}
	if final == "credentials.json" || final == "serviceAccountKey.json" {
		return true
	}
	if strings.HasSuffix(final, ".key") || strings.HasSuffix(final, ".pem") {
		return true
	}
	for _, seg := range segments {
		if seg == "secrets" {
			return true
		}
	}
	return false
}
