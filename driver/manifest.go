package driver

import (
	"bytes"
	"encoding/hex"
	"strings"

	"github.com/t7a/git-fastcdc/ferrors"
)

// manifestMagic is the fixed first line of every manifest blob.
const manifestMagic = "fastcdc"

// buildManifest renders digests, in order, as the manifest text: the magic
// line followed by one hex digest per line. An empty digests slice still
// produces the magic line alone, so an empty blob round-trips cleanly.
func buildManifest(digests []string) []byte {
	var buf bytes.Buffer
	buf.WriteString(manifestMagic)
	buf.WriteByte('\n')
	for _, d := range digests {
		buf.WriteString(d)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// parseManifest validates and decodes a manifest blob. It rejects any
// input that does not begin with the exact magic line, and any digest
// line that isn't valid lowercase hex of SHA-1 (40 char) or SHA-256
// (64 char) length.
func parseManifest(data []byte) (digests []string, err error) {
	text := string(data)
	firstLine, rest, hasRest := strings.Cut(text, "\n")
	if firstLine != manifestMagic {
		return nil, &ferrors.InvalidManifest{Reason: "missing fastcdc magic line"}
	}
	if !hasRest {
		return nil, nil
	}
	if rest == "" {
		return nil, nil
	}
	lines := strings.Split(strings.TrimSuffix(rest, "\n"), "\n")
	digests = make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		if !isHexDigest(line) {
			return nil, &ferrors.InvalidManifest{Reason: "malformed digest line " + quote(line)}
		}
		digests = append(digests, line)
	}
	return digests, nil
}

func isHexDigest(s string) bool {
	switch len(s) {
	case 40, 64:
	default:
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func quote(s string) string {
	if len(s) > 64 {
		s = s[:64] + "..."
	}
	return "\"" + s + "\""
}
