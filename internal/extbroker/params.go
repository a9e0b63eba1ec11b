package extbroker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// canonicalize applies RFC 8785 JSON canonicalization so that two
// semantically equal parameter sets always hash identically.
func canonicalize(raw []byte) ([]byte, error) {
	return jcs.Transform(raw)
}

// HashParams returns the HMAC-SHA256 of the RFC 8785 canonical JSON of
// params. The hash is what gets stored; raw parameter values never are.
func HashParams(secret []byte, params map[string]any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	canonical, err := canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SummarizeParams renders a human-readable audit summary of params with
// every value replaced by its type or length. Keys are sorted so the
// summary is stable.
func SummarizeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ", "
		}
		out += k + "=" + describeValue(params[k])
	}
	return out
}

func describeValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return fmt.Sprintf("str(%d)", len(val))
	case bool:
		return "bool"
	case float64, float32, int, int64, int32, json.Number:
		return "number"
	case map[string]any:
		return fmt.Sprintf("obj(%d keys)", len(val))
	case []any:
		return fmt.Sprintf("arr(%d)", len(val))
	default:
		return "value"
	}
}
