// Package bundleutil provides pure helpers for bundle source text: a local
// content hash for integrity display and best-effort version extraction.
// Neither function touches the server-advertised hash used for change
// detection.
package bundleutil

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// shortHashLen is the number of hex characters kept from the digest. The
// hash identifies a download in logs and status output, it is not a
// security boundary.
const shortHashLen = 16

// ContentHash returns a short hex fingerprint of the bundle source.
func ContentHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])[:shortHashLen]
}

// FullHash returns the complete hex digest of the bundle source.
func FullHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

var versionPatterns = []*regexp.Regexp{
	// meta/export style: version: "1.2.3", "version": '1.2.3', version = "1.2.3"
	regexp.MustCompile(`(?i)["']?version["']?\s*[:=]\s*["']v?(\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.-]+)?)["']`),
	// comment annotation style: // @version 1.2.3
	regexp.MustCompile(`(?i)@version\s+v?(\d+\.\d+\.\d+(?:[-+][0-9A-Za-z.-]+)?)`),
}

// ExtractVersion scans bundle source for a semantic version declaration and
// returns it without any leading v. It returns the empty string when no
// recognizable declaration exists; callers treat that as "version unknown",
// never as an error.
func ExtractVersion(source string) string {
	for _, re := range versionPatterns {
		if m := re.FindStringSubmatch(source); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}
