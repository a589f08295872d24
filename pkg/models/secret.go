package models

import "time"

// EncryptionMethodAESGCM tags envelopes produced by the AES-256-GCM engine.
const EncryptionMethodAESGCM = "aes-256-gcm"

// SecretEnvelope is the stored representation of an encrypted secret.
// The checksum is a SHA-256 digest of the plaintext; any mismatch after
// decryption is a hard integrity failure and must never be corrected
// silently.
type SecretEnvelope struct {
	Ciphertext  []byte            `json:"ciphertext"`
	Nonce       []byte            `json:"nonce"`
	Method      string            `json:"method"`
	EncryptedAt time.Time         `json:"encrypted_at"`
	KeyVersion  int               `json:"key_version"`
	Checksum    string            `json:"checksum"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
