// Package vault holds secret environment variable values in memory only,
// keyed by job-id. Values are never written to the job JSON record and
// never appended to a log record. They stay in the Vault until Erase is
// called for their job; no component in this module calls Erase.
//
// Values are kept AES-256-GCM sealed under a process-lifetime key even at
// rest in memory, so a heap dump or swapped page does not trivially expose
// them; this mirrors the encryption discipline the rest of the codebase
// applies to anything sensitive, adapted here for a vault that never
// touches disk.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"
)

// Vault is a process-local store of secret env vars, keyed by job-id then
// variable name.
type Vault struct {
	mu     sync.RWMutex
	sealed map[string]map[string][]byte // jobID -> name -> sealed value
	gcm    cipher.AEAD
}

// New creates a Vault with a fresh random process-lifetime encryption key.
// The key never leaves the process and is never persisted.
func New() (*Vault, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("vault: generate key: %w", err)
	}
	return newWithKey(key)
}

func newWithKey(key []byte) (*Vault, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	return &Vault{sealed: make(map[string]map[string][]byte), gcm: gcm}, nil
}

// Put stores the secret env vars for jobID, overwriting any previous set
// for that job.
func (v *Vault) Put(jobID string, vars map[string]string) error {
	sealedVars := make(map[string][]byte, len(vars))
	for name, plaintext := range vars {
		nonce := make([]byte, v.gcm.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return fmt.Errorf("vault: nonce for %s: %w", name, err)
		}
		sealedVars[name] = v.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	}

	v.mu.Lock()
	v.sealed[jobID] = sealedVars
	v.mu.Unlock()
	return nil
}

// Get returns the decrypted secret env vars for jobID, suitable for
// overlaying onto a sandbox launch spec's environment. The returned map is
// never logged by any caller in this module.
func (v *Vault) Get(jobID string) (map[string]string, error) {
	v.mu.RLock()
	sealedVars, ok := v.sealed[jobID]
	v.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	out := make(map[string]string, len(sealedVars))
	nonceSize := v.gcm.NonceSize()
	for name, sealed := range sealedVars {
		if len(sealed) < nonceSize {
			return nil, fmt.Errorf("vault: corrupt entry for %s", name)
		}
		nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
		plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("vault: decrypt %s: %w", name, err)
		}
		out[name] = string(plaintext)
	}
	return out, nil
}

// Erase removes all secret env vars held for jobID. It is not called
// automatically on a job's terminal transition or deletion.
func (v *Vault) Erase(jobID string) {
	v.mu.Lock()
	delete(v.sealed, jobID)
	v.mu.Unlock()
}

// Names reports the secret variable names held for jobID without
// decrypting any value.
func (v *Vault) Names(jobID string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	sealedVars, ok := v.sealed[jobID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(sealedVars))
	for name := range sealedVars {
		names = append(names, name)
	}
	return names
}
