package context

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// StableJSON renders v as compact JSON. encoding/json sorts map keys, so the
// output is stable across runs for hashing and dedupe.
func StableJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// SHA1Hex returns the hex sha1 of s. Used for system-prompt and schema cache
// keys, not for anything security-sensitive.
func SHA1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func clampFloat(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
