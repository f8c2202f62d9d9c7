package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// InputHash returns a stable digest of (action, input). Map keys are
// serialized in sorted order, so equal inputs hash equally.
func InputHash(action string, input map[string]any) string {
	h := sha256.New()
	_, _ = h.Write([]byte(action))
	_, _ = h.Write([]byte{0})

	b, err := json.Marshal(input)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", input))
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
