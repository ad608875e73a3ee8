// ABOUTME: Outbound argument sanitization and inbound result size validation
// ABOUTME: Rejects injection markers and oversized payloads, truncates huge results

package remote

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389/toolgate/internal/apperr"
)

const (
	maxArgsBytes   = 1 << 20 // serialized argument payload
	maxStringBytes = 10 << 10
	maxOtherBytes  = 1 << 10 // stringified non-primitive values
	maxResultBytes = 5 << 20
	previewBytes   = 1 << 10
)

var injectionMarkers = []string{"<script", "javascript:", "data:", "vbscript:"}

// sanitizeArgs validates a call's arguments and returns a cleaned copy.
func sanitizeArgs(args any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	m, ok := args.(map[string]any)
	if !ok {
		return nil, apperr.Validation("arguments must be an object, got %T", args)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "arguments are not serializable")
	}
	if len(raw) > maxArgsBytes {
		return nil, apperr.Validation("arguments too large: %d bytes (max %d)", len(raw), maxArgsBytes)
	}

	out, err := sanitizeMap(m, "")
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sanitizeMap(m map[string]any, path string) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		clean, err := sanitizeValue(v, joinPath(path, k))
		if err != nil {
			return nil, err
		}
		out[k] = clean
	}
	return out, nil
}

func sanitizeValue(v any, path string) (any, error) {
	switch val := v.(type) {
	case nil, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return val, nil
	case string:
		return val, checkString(val, path)
	case map[string]any:
		return sanitizeMap(val, path)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			clean, err := sanitizeValue(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	default:
		s := fmt.Sprint(val)
		if len(s) > maxOtherBytes {
			return nil, apperr.Validation("argument %s: value too large (max %d bytes)", path, maxOtherBytes)
		}
		return s, checkString(s, path)
	}
}

func checkString(s, path string) error {
	if len(s) > maxStringBytes {
		return apperr.Validation("argument %s: string too long (max %d bytes)", path, maxStringBytes)
	}
	lower := strings.ToLower(s)
	for _, marker := range injectionMarkers {
		if strings.Contains(lower, marker) {
			return apperr.Validation("argument %s: contains forbidden content %q", path, marker)
		}
	}
	return nil
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// checkResult replaces a result whose encoding exceeds the size cap with a
// truncation marker. It returns the value to hand back and its encoding.
func checkResult(result any) (any, string) {
	raw, err := json.Marshal(result)
	if err != nil {
		s := fmt.Sprint(result)
		return s, s
	}
	if len(raw) <= maxResultBytes {
		if s, ok := result.(string); ok {
			return result, s
		}
		return result, string(raw)
	}

	preview := raw[:previewBytes]
	marker := map[string]any{
		"truncated":     true,
		"original_size": len(raw),
		"max_size":      maxResultBytes,
		"preview":       strings.ToValidUTF8(string(preview), ""),
	}
	encoded, _ := json.Marshal(marker)
	return marker, string(encoded)
}
