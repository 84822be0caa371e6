package models

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Comment is the parsed free-form comment blob. Values keep their JSON types;
// use Num/Str for typed access.
type Comment map[string]interface{}

// Num returns the value under key as a float64 when it is numeric or a
// numeric string, nil otherwise.
func (c Comment) Num(key string) *float64 {
	v, ok := c[key]
	if !ok || v == nil {
		return nil
	}
	switch n := v.(type) {
	case float64:
		return &n
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return &f
		}
	}
	return nil
}

// Str returns the value under key as a string, empty when absent.
func (c Comment) Str(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// bareKeyRe quotes unquoted keys from the known allow-list so that
// TradingView templates like {entry:1,sl:2} survive parsing.
var bareKeyRe = regexp.MustCompile(`([{,]\s*)(entry|sl|tp|atr|kind|strategy)(\s*:)`)

// ParseComment converts the raw comment field into a Comment. The field may
// be a JSON object, a JSON-encoded string holding an object, or a loosely
// formatted string (single quotes, bare keys). Anything unparseable yields an
// empty Comment, never an error.
func ParseComment(raw json.RawMessage) Comment {
	if len(raw) == 0 {
		return Comment{}
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err == nil {
		return Comment(m)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return Comment{}
	}
	return parseCommentString(s)
}

func parseCommentString(s string) Comment {
	s = strings.TrimSpace(s)
	if s == "" {
		return Comment{}
	}

	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err == nil {
		return Comment(m)
	}

	loose := strings.ReplaceAll(s, "'", `"`)
	loose = bareKeyRe.ReplaceAllString(loose, `$1"$2"$3`)
	if err := json.Unmarshal([]byte(loose), &m); err == nil {
		return Comment(m)
	}
	return Comment{}
}
