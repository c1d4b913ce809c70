package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/zatekoja/plantid/backend/internal/domain/entities"
)

// DefaultOptionsTag marks entries produced with default identification options
const DefaultOptionsTag = "default-options"

const optionsTagLength = 12

// OptionsTag names the option set inside a cache key
func OptionsTag(opts entities.IdentificationOptions) string {
	if opts.IsDefault() {
		return DefaultOptionsTag
	}
	n := opts.Normalized()

	var b strings.Builder
	if n.IncludeDiseaseDetection {
		b.WriteString("disease=1;")
	} else {
		b.WriteString("disease=0;")
	}
	b.WriteString("providers=")
	b.WriteString(strings.Join(n.RequestedProviders, ","))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:optionsTagLength]
}

// BuildKey returns <fingerprint>:<options-tag>:<version>, the cache key without store prefix
func BuildKey(fingerprint string, opts entities.IdentificationOptions, version string) string {
	return fingerprint + ":" + OptionsTag(opts) + ":" + version
}

// FingerprintPrefix matches every entry for one image regardless of options or version
func FingerprintPrefix(fingerprint string) string {
	return fingerprint + ":"
}
