package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/carebridge/carestore/internal/kv"
)

// Known operation kinds.
const (
	KindVitalsUpload       = "vitals_upload"
	KindDeviceRegistration = "device_registration"
	KindSettingsSync       = "settings_sync"
)

// Payload is the typed body of a queued operation. Unknown kinds round-trip
// through UnknownPayload so newer producers don't break older consumers.
type Payload interface {
	Kind() string
}

// VitalSample is one reading inside a vitals upload.
type VitalSample struct {
	Type       string    `json:"type"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// VitalsUpload carries a batch of vitals readings for a resident.
type VitalsUpload struct {
	ResidentID string        `json:"resident_id"`
	SessionID  string        `json:"session_id"`
	Samples    []VitalSample `json:"samples"`
}

func (VitalsUpload) Kind() string { return KindVitalsUpload }

// DeviceRegistration pairs a monitoring device with a room.
type DeviceRegistration struct {
	DeviceID string `json:"device_id"`
	RoomID   string `json:"room_id"`
	Model    string `json:"model"`
}

func (DeviceRegistration) Kind() string { return KindDeviceRegistration }

// SettingsSync pushes changed settings for a scope.
type SettingsSync struct {
	Scope  string          `json:"scope"`
	Values json.RawMessage `json:"values"`
}

func (SettingsSync) Kind() string { return KindSettingsSync }

// UnknownPayload is the forward-compatible fallback for kinds this build
// does not know.
type UnknownPayload struct {
	PayloadKind string
	Raw         json.RawMessage
}

func (u UnknownPayload) Kind() string { return u.PayloadKind }

type payloadEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalPayload encodes a payload with its kind tag.
func MarshalPayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("queue: nil payload")
	}
	var (
		data []byte
		err  error
	)
	if u, ok := p.(UnknownPayload); ok {
		data = u.Raw
	} else {
		data, err = json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("queue: marshal payload %s: %w", p.Kind(), err)
		}
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// UnmarshalPayload decodes a tagged payload, falling back to UnknownPayload
// for unrecognized kinds.
func UnmarshalPayload(data []byte) (Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: payload envelope: %v", kv.ErrTypeMismatch, err)
	}
	switch env.Kind {
	case KindVitalsUpload:
		var p VitalsUpload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", kv.ErrTypeMismatch, env.Kind, err)
		}
		return p, nil
	case KindDeviceRegistration:
		var p DeviceRegistration
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", kv.ErrTypeMismatch, env.Kind, err)
		}
		return p, nil
	case KindSettingsSync:
		var p SettingsSync
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", kv.ErrTypeMismatch, env.Kind, err)
		}
		return p, nil
	default:
		return UnknownPayload{PayloadKind: env.Kind, Raw: env.Data}, nil
	}
}
