// Package target assembles and serializes compiled image targets.
package target

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ivlev/img2mind/internal/feature"
)

// Artifact format version. Readers accept any minor version of the same
// major version.
const (
	MajorVersion = 1
	MinorVersion = 0
)

// Artifact describes a trackable image target
type Artifact struct {
	Major        int
	Minor        int
	Width        int
	Height       int
	ModuleDigest string // hex SHA-256 of the compute module
	Extractor    string // name of the feature routine
	Features     []feature.Feature
}

// Version returns the artifact version as "major.minor".
func (a *Artifact) Version() string {
	return fmt.Sprintf("%d.%d", a.Major, a.Minor)
}

// Digest returns the hex SHA-256 of an encoded artifact.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
