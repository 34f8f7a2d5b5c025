package client

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/Tr1pa/Dataset-Generator/pkg/types"
)

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline   = regexp.MustCompile(`(?m)//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// ParseLocalization parses a model reply. Replies that are not usable JSON
// come back as a NoDamage answer rather than an error.
func ParseLocalization(raw string) *types.Localization {
	raw = SanitizeModelJSON(raw)

	if !strings.HasPrefix(raw, "{") {
		return types.NoDamage("model returned non-JSON response")
	}

	var result types.Localization
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return types.NoDamage("failed to parse model response")
	}
	if result.Box.W == 0 && result.Box.H == 0 {
		result.Box = types.Box{W: 1, H: 1}
	}
	return &result
}

// SanitizeModelJSON removes code fences, comments, and trailing commas from
// a model's JSON reply and keeps only the outermost object
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
