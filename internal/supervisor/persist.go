package supervisor

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gaovm/gaovm/internal/atomicfile"
)

func writeJSON(path string, v interface{}) error {
	return atomicfile.WriteJSON(path, v)
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// generateAuthToken mints a fresh 128-bit base64url (no padding)
// per-invocation shared secret for the driver handshake.
func generateAuthToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
