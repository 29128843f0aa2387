// Package reference normalizes image references and maps them to file names.
package reference

import (
	"fmt"
	"net/url"
	"strings"

	distref "github.com/distribution/reference"
	"github.com/google/go-containerregistry/pkg/name"
)

// DefaultTag is appended to references that name neither a tag nor a digest.
const DefaultTag = "latest"

// Normalize validates refString against the Docker reference grammar and
// appends ":latest" when it carries no tag or digest. The registry and
// repository are kept as the caller wrote them, so "alpine" becomes
// "alpine:latest", not a fully qualified name.
func Normalize(refString string) (string, error) {
	refString = strings.TrimSpace(refString)
	named, err := distref.ParseNormalizedNamed(refString)
	if err != nil {
		return "", fmt.Errorf("failed to parse image reference %s: %w", refString, err)
	}

	if _, ok := named.(distref.Digested); ok {
		return refString, nil
	}
	if _, ok := named.(distref.Tagged); ok {
		return refString, nil
	}
	return refString + ":" + DefaultTag, nil
}

// Registry returns the registry host the daemon resolves ref against,
// e.g. "index.docker.io" for "alpine:latest".
func Registry(ref string) (string, error) {
	named, err := distref.ParseNormalizedNamed(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("failed to parse image reference %s: %w", ref, err)
	}

	// The fully qualified form always has a multi-character repository
	// path, which name requires.
	r, err := name.ParseReference(distref.TagNameOnly(named).String(), name.WeakValidation)
	if err != nil {
		return "", fmt.Errorf("failed to resolve registry of %s: %w", ref, err)
	}
	return r.Context().RegistryStr(), nil
}

const upperhex = "0123456789ABCDEF"

// Encode percent-encodes every byte outside [A-Za-z0-9], which makes the
// result safe as a single path element on any filesystem.
func Encode(ref string) string {
	var b strings.Builder
	b.Grow(len(ref) * 3)
	for i := 0; i < len(ref); i++ {
		c := ref[i]
		if isAlnum(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}

// Decode reverses Encode.
func Decode(encoded string) (string, error) {
	ref, err := url.PathUnescape(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode %q: %w", encoded, err)
	}
	return ref, nil
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}
