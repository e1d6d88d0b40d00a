package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/tidwall/gjson"
)

// CacheKey derives the result cache key for an invocation: the tool name
// combined with the value extracted from the input at keyPath, hashed. Two
// invocations share a result iff the extracted values match. Returns false
// when the path selects nothing, in which case the invocation is uncacheable.
func CacheKey(targetFn string, input json.RawMessage, keyPath string) (string, bool) {
	extracted := gjson.GetBytes(input, keyPath)
	if !extracted.Exists() {
		return "", false
	}
	sum := sha256.Sum256([]byte(targetFn + ":" + extracted.Raw))
	return hex.EncodeToString(sum[:]), true
}
