package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const maxDiagnosticBytes = 2048

func truncateBytes(in []byte, maxBytes int) ([]byte, bool, int, string) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false, len(in), ""
	}
	sum := sha256.Sum256(in)
	return in[:maxBytes], true, len(in), hex.EncodeToString(sum[:])
}

// clip shortens converter diagnostics for error messages. Clipped output is
// suffixed with its full size and digest so repeated failures can be matched.
func clip(in []byte) string {
	out, truncated, size, digest := truncateBytes(in, maxDiagnosticBytes)
	msg := strings.TrimSpace(string(out))
	if truncated {
		msg = fmt.Sprintf("%s... (%d bytes, sha256 %s)", msg, size, digest[:12])
	}
	return msg
}
