package codec

import (
	"bytes"
	"errors"

	json "github.com/goccy/go-json"
)

var jsonNull = []byte("null")

// JSON stores the payload as a JSON object.
type JSON struct{}

func (JSON) Name() string { return NameJSON }

func (JSON) Encode(payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (JSON) Decode(data string) (map[string]any, error) {
	raw := bytes.TrimSpace([]byte(data))
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return map[string]any{}, nil
	}
	if raw[0] != '{' {
		return nil, corrupt(NameJSON, errors.New("payload is not a JSON object"))
	}
	if !json.Valid(raw) {
		return nil, corrupt(NameJSON, errors.New("invalid JSON"))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	payload := map[string]any{}
	if err := dec.Decode(&payload); err != nil {
		return nil, corrupt(NameJSON, err)
	}
	payload, err := canonicalPayload(payload)
	if err != nil {
		return nil, corrupt(NameJSON, err)
	}
	return payload, nil
}
