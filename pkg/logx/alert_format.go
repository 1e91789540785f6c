package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	maxAlertLen = 3500
	maxStackLen = 900
	maxValueLen = 600
)

// formatAlertJSON renders a zerolog JSON line as "[LEVEL] msg" followed by
// sorted "- key=value" lines. Input that is not JSON is passed through.
func formatAlertJSON(p []byte) string {
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &rec); err != nil {
		return truncate(strings.TrimSpace(string(p)), maxAlertLen)
	}

	var b strings.Builder
	if lvl, _ := rec["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(rec))
	for k := range rec {
		if k != "time" && k != "level" && k != "message" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "stack" {
			fmt.Fprintf(&b, "\n- stack=\n%s", truncate(fmt.Sprint(rec[k]), maxStackLen))
			continue
		}
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(rec[k]), maxValueLen))
	}
	return truncate(b.String(), maxAlertLen)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
