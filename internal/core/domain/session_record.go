package domain

import (
	"github.com/duynhne/session-store/internal/core/codec"
)

// Record is a stored session: the storage key plus the payload, decoded lazily.
type Record struct {
	// StorageID is the key the row is stored under. For secured rows this is
	// the private id; legacy rows still carry the public id.
	StorageID string

	codec     codec.Codec
	encoded   string
	data      map[string]any
	loaded    bool
	persisted bool
}

// NewRecord returns an unsaved record holding payload.
func NewRecord(storageID string, payload map[string]any, c codec.Codec) *Record {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Record{StorageID: storageID, codec: c, data: payload, loaded: true}
}

// LoadRecord wraps a row read from the backing store. The payload is decoded
// on first access.
func LoadRecord(storageID, encoded string, c codec.Codec) *Record {
	return &Record{StorageID: storageID, codec: c, encoded: encoded, persisted: true}
}

// Data returns the payload, decoding the stored form on first call.
func (r *Record) Data() (map[string]any, error) {
	if r.loaded {
		return r.data, nil
	}
	data, err := r.codec.Decode(r.encoded)
	if err != nil {
		return nil, err
	}
	r.data, r.loaded = data, true
	return r.data, nil
}

// SetData replaces the payload.
func (r *Record) SetData(payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	r.data, r.loaded = payload, true
}

// Loaded reports whether the payload has been materialized.
func (r *Record) Loaded() bool { return r.loaded }

// Persisted reports whether the record exists in the backing store.
func (r *Record) Persisted() bool { return r.persisted }

// MarkPersisted records that the row now exists under StorageID.
func (r *Record) MarkPersisted() { r.persisted = true }

// MarkDeleted records that the row is gone.
func (r *Record) MarkDeleted() { r.persisted = false }

// NeedsMigration reports whether the stored form uses the legacy encoding.
func (r *Record) NeedsMigration() bool {
	return r.encoded != "" && codec.NeedsMigration(r.encoded)
}

// Encode serializes the loaded payload with the record's codec and keeps the
// result as the record's encoded form.
func (r *Record) Encode() (string, error) {
	encoded, err := r.codec.Encode(r.data)
	if err != nil {
		return "", err
	}
	r.encoded = encoded
	return encoded, nil
}
