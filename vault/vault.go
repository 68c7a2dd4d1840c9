package vault

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	wrapping "github.com/openbao/go-kms-wrapping/v2"
	aeadwrapper "github.com/openbao/go-kms-wrapping/wrappers/aead/v2"
	"google.golang.org/protobuf/proto"

	"github.com/stephnangue/vmgate/audit"
	"github.com/stephnangue/vmgate/logger"
	"github.com/stephnangue/vmgate/storage"
)

const credentialPrefix = "credentials"

// MasterKeySize is the required master key length (AES-256-GCM)
const MasterKeySize = 32

// Vault seals and unseals VM login credentials. Encryption is authenticated
// (AES-256-GCM via the aead wrapper); ciphertext, nonce and tag travel as a
// single opaque blob. The master key is process-wide, read-only after
// initialization and never logged.
type Vault struct {
	wrapper *aeadwrapper.Wrapper
	store   storage.Storage
	auditor audit.Manager
	log     *logger.GatedLogger
}

// Config configures a Vault
type Config struct {
	// MasterKey is the externally supplied encryption key. Must be
	// exactly MasterKeySize bytes.
	MasterKey []byte

	Storage storage.Storage
	Audit   audit.Manager
	Logger  *logger.GatedLogger
}

// New creates a Vault. Fails when the master key is absent or malformed.
func New(cfg Config) (*Vault, error) {
	if len(cfg.MasterKey) != MasterKeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d",
			ErrEncryption, MasterKeySize, len(cfg.MasterKey))
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	wrapper := aeadwrapper.NewWrapper()
	if _, err := wrapper.SetConfig(context.Background(), wrapping.WithKeyId("root")); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	if err := wrapper.SetAesGcmKeyBytes(cfg.MasterKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	return &Vault{
		wrapper: wrapper,
		store:   cfg.Storage,
		auditor: cfg.Audit,
		log:     cfg.Logger,
	}, nil
}

// StoreCredential seals a plaintext credential and upserts the record for
// the VM. The wrapper generates a fresh random nonce on every call.
func (v *Vault) StoreCredential(ctx context.Context, vmID, actorID string, cred Credential, port int, connType ConnType) (*Record, error) {
	rec, err := v.seal(ctx, vmID, cred, port, connType)
	if err != nil {
		return nil, err
	}

	// Single Put keyed by vmID gives upsert-on-conflict semantics
	if err := v.store.Put(ctx, credentialPrefix, vmID, rec.asMap()); err != nil {
		return nil, fmt.Errorf("failed to persist credential record: %w", err)
	}

	v.emitAudit(ctx, audit.ActionCredentialStore, vmID, actorID, connType)

	if v.log != nil {
		v.log.Info("credential stored",
			logger.String("vm_id", vmID),
			logger.String("conn_type", string(connType)))
	}

	return rec, nil
}

// Reveal unseals the credential for a VM. Integrity failures are hard
// failures, never a silent fallback. Deliberately not audited per-call at
// this layer; plaintext-adjacent logging is the caller's responsibility.
func (v *Vault) Reveal(ctx context.Context, vmID string) (*Credential, error) {
	rec, err := v.GetRecord(ctx, vmID)
	if err != nil {
		return nil, err
	}

	raw, err := rec.sealedBlob()
	if err != nil {
		return nil, fmt.Errorf("%w: malformed blob", ErrDecryption)
	}

	blob := &wrapping.BlobInfo{}
	if err := proto.Unmarshal(raw, blob); err != nil {
		return nil, fmt.Errorf("%w: malformed blob", ErrDecryption)
	}

	plaintext, err := v.wrapper.Decrypt(ctx, blob, wrapping.WithAad([]byte(vmID)))
	if err != nil {
		return nil, fmt.Errorf("%w: integrity verification failed", ErrDecryption)
	}

	return &Credential{
		Username: rec.Username,
		Secret:   string(plaintext),
	}, nil
}

// Rotate re-seals a VM credential with a fresh nonce, atomically replacing
// the old record. Fails when no record exists for the VM.
func (v *Vault) Rotate(ctx context.Context, vmID, actorID string, cred Credential) (*Record, error) {
	existing, err := v.GetRecord(ctx, vmID)
	if err != nil {
		return nil, err
	}

	rec, err := v.seal(ctx, vmID, cred, existing.Port, existing.ConnType)
	if err != nil {
		return nil, err
	}

	if err := v.store.Put(ctx, credentialPrefix, vmID, rec.asMap()); err != nil {
		return nil, fmt.Errorf("failed to persist rotated record: %w", err)
	}

	v.emitAudit(ctx, audit.ActionCredentialRotate, vmID, actorID, rec.ConnType)

	if v.log != nil {
		v.log.Info("credential rotated", logger.String("vm_id", vmID))
	}

	return rec, nil
}

// GetRecord returns the at-rest record for a VM without unsealing it
func (v *Vault) GetRecord(ctx context.Context, vmID string) (*Record, error) {
	data, err := v.store.Get(ctx, credentialPrefix, vmID)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential record: %w", err)
	}
	return recordFromMap(data)
}

// ListVMs returns the VM ids that have stored credentials
func (v *Vault) ListVMs(ctx context.Context) ([]string, error) {
	return v.store.List(ctx, credentialPrefix)
}

func (v *Vault) seal(ctx context.Context, vmID string, cred Credential, port int, connType ConnType) (*Record, error) {
	if vmID == "" {
		return nil, fmt.Errorf("vm id is required")
	}
	if cred.Secret == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrEncryption)
	}

	// AAD binds the blob to its VM so records cannot be swapped between rows
	blob, err := v.wrapper.Encrypt(ctx, []byte(cred.Secret), wrapping.WithAad([]byte(vmID)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	raw, err := proto.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	return &Record{
		VMID:      vmID,
		Username:  cred.Username,
		Blob:      base64.StdEncoding.EncodeToString(raw),
		Port:      port,
		ConnType:  connType,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (v *Vault) emitAudit(ctx context.Context, action audit.Action, vmID, actorID string, connType ConnType) {
	if v.auditor == nil {
		return
	}

	_, err := v.auditor.LogEvent(ctx, &audit.Event{
		Action:    action,
		ActorID:   actorID,
		TargetID:  vmID,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]interface{}{
			"conn_type": string(connType),
		},
	})
	if err != nil && v.log != nil {
		v.log.Error("failed to audit credential operation",
			logger.String("action", string(action)),
			logger.Err(err))
	}
}
