package resolve

import (
	"encoding/json"
	"fmt"
)

// FlattenValue renders a resolved value as the string a child process
// sees in its environment: booleans as upper-case TRUE/FALSE,
// structures as JSON, everything else via default formatting.
func FlattenValue(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case bool:
		if typed {
			return "TRUE"
		}
		return "FALSE"
	case map[string]any, []any:
		data, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", typed)
	}
}

// flattenEnv converts a working environment tree into the flat string
// mapping handed to the child process.
func flattenEnv(env map[string]any) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = FlattenValue(v)
	}
	return out
}

// mergeTrees merges src into dst. Shallow replaces top-level keys;
// deep recurses into mappings so sibling keys from both sides survive.
func mergeTrees(dst, src map[string]any, deep bool) {
	for k, v := range src {
		if deep {
			if dstMap, ok := dst[k].(map[string]any); ok {
				if srcMap, ok := v.(map[string]any); ok {
					mergeTrees(dstMap, srcMap, true)
					continue
				}
			}
		}
		dst[k] = v
	}
}
