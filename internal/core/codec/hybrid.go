package codec

import "strings"

// Hybrid decodes JSON and legacy marshal data and always encodes JSON.
type Hybrid struct{}

func (Hybrid) Name() string { return NameHybrid }

func (Hybrid) Encode(payload map[string]any) (string, error) {
	return JSON{}.Encode(payload)
}

func (Hybrid) Decode(data string) (map[string]any, error) {
	if NeedsMigration(data) {
		return Marshal{}.Decode(data)
	}
	return JSON{}.Decode(data)
}

// NeedsMigration reports whether data is in the legacy marshal encoding.
// Base64 output never contains '{', so the JSON signature is unambiguous.
func NeedsMigration(data string) bool {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" || trimmed == "null" {
		return false
	}
	return trimmed[0] != '{'
}
