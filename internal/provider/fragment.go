package provider

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Fragment types carried in the "type" field of a stream fragment.
const (
	FragmentReasoning = "reasoning"
	FragmentContent   = "content"
	FragmentError     = "error"
	FragmentEnd       = "end"
)

const (
	fragmentPrefix = "data: "
	fragmentSuffix = "\n\n"
)

type fragment struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Fragment renders a single SSE data line of the given type.
func Fragment(kind, content string) string {
	data, err := json.Marshal(fragment{Type: kind, Content: content})
	if err != nil {
		// a struct of two strings always marshals
		return fragmentPrefix + `{"type":"error","content":"fragment encoding failed"}` + fragmentSuffix
	}
	return RawFragment(data)
}

// RawFragment wraps an already encoded JSON object as an SSE data line.
func RawFragment(payload []byte) string {
	return fragmentPrefix + string(payload) + fragmentSuffix
}

// ParseFragment extracts the type and content of a fragment produced by
// Fragment. It reports false for anything that is not a JSON data line.
func ParseFragment(s string) (kind, content string, ok bool) {
	data, found := strings.CutPrefix(s, fragmentPrefix)
	if !found {
		return "", "", false
	}
	data = strings.TrimSuffix(data, fragmentSuffix)
	if !gjson.Valid(data) {
		return "", "", false
	}
	res := gjson.GetMany(data, "type", "content")
	return res[0].String(), res[1].String(), res[0].Exists()
}
