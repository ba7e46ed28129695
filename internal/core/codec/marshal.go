package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"strings"
	"time"
)

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// Marshal is the legacy codec: gob wrapped in base64 so it fits a text column.
type Marshal struct{}

func (Marshal) Name() string { return NameMarshal }

func (Marshal) Encode(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(payload); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (Marshal) Decode(data string) (map[string]any, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return map[string]any{}, nil
	}
	// older writers wrapped base64 output at 60 columns
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(data, "\n", ""))
	if err != nil {
		return nil, corrupt(NameMarshal, err)
	}
	payload := map[string]any{}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&payload); err != nil {
		return nil, corrupt(NameMarshal, err)
	}
	return canonicalPayload(payload)
}
