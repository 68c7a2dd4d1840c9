package vault

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// ConnType identifies the remote-access protocol a credential is for
type ConnType string

const (
	ConnTypeRDP ConnType = "rdp"
	ConnTypeSSH ConnType = "ssh"
)

// ParseConnType parses a string to ConnType
func ParseConnType(s string) (ConnType, error) {
	switch ConnType(s) {
	case ConnTypeRDP, ConnTypeSSH:
		return ConnType(s), nil
	default:
		return "", fmt.Errorf("unknown connection type %q", s)
	}
}

// Credential is a plaintext VM login credential. It only ever lives inside
// a single request's lifetime and is never written to durable storage.
type Credential struct {
	Username string
	Secret   string
}

// Record is the at-rest representation of a VM credential. The secret is
// sealed into a single opaque blob (ciphertext, nonce and auth tag together).
type Record struct {
	VMID      string    `json:"vm_id" mapstructure:"vm_id"`
	Username  string    `json:"username" mapstructure:"username"`
	Blob      string    `json:"blob" mapstructure:"blob"` // base64 of the sealed blob
	Port      int       `json:"port" mapstructure:"port"`
	ConnType  ConnType  `json:"conn_type" mapstructure:"conn_type"`
	UpdatedAt time.Time `json:"updated_at" mapstructure:"-"`
}

// asMap converts the record to the storage representation
func (r *Record) asMap() map[string]any {
	return map[string]any{
		"vm_id":      r.VMID,
		"username":   r.Username,
		"blob":       r.Blob,
		"port":       r.Port,
		"conn_type":  string(r.ConnType),
		"updated_at": r.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// recordFromMap decodes a storage representation into a Record
func recordFromMap(data map[string]any) (*Record, error) {
	if len(data) == 0 {
		return nil, ErrCredentialNotFound
	}

	var rec Record
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &rec,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(data); err != nil {
		return nil, fmt.Errorf("failed to decode credential record: %w", err)
	}

	if raw, ok := data["updated_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rec.UpdatedAt = ts
		}
	}

	return &rec, nil
}

// sealedBlob decodes the base64 blob field
func (r *Record) sealedBlob() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Blob)
}
