package ir

import "github.com/Masterminds/semver/v3"

// EngineVersion is reported by the CLI and the health endpoint.
const EngineVersion = "0.3.0"

// SameSchemaVersion reports whether a and b name the same schema version.
// "1.0" and "1.0.0" are equal. Strings that do not parse only match exactly.
func SameSchemaVersion(a, b string) bool {
	if a == b {
		return true
	}
	va, err := semver.NewVersion(a)
	if err != nil {
		return false
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return false
	}
	return va.Equal(vb)
}
