package vault

import "errors"

var (
	// ErrEncryption is returned when sealing fails, including when the
	// master key is absent or malformed
	ErrEncryption = errors.New("credential encryption failed")

	// ErrDecryption is returned when the sealed blob fails integrity
	// verification (tamper or wrong key). Never retried, never downgraded.
	ErrDecryption = errors.New("credential decryption failed")

	// ErrCredentialNotFound is returned when no record exists for a VM
	ErrCredentialNotFound = errors.New("credential not found")
)
