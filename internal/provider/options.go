package provider

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// MergeOptions folds user-supplied extra options under the adapter's base
// fields. Base fields win key-for-key: the dispatcher-computed model,
// message list and stream flag can never be overridden. Extra options that
// fail to parse as a JSON object are logged and ignored entirely; the
// request proceeds on the base fields alone.
func MergeOptions(base map[string]any, extraJSON string) map[string]any {
	if strings.TrimSpace(extraJSON) == "" {
		return base
	}

	var extra map[string]any
	if err := json.Unmarshal([]byte(extraJSON), &extra); err != nil {
		slog.Warn("ignoring invalid extra options", "err", err)
		return base
	}

	merged := make(map[string]any, len(extra)+len(base))
	for k, v := range extra {
		merged[k] = v
	}
	for k, v := range base {
		merged[k] = v
	}
	return merged
}
