// Package vault stores tenant-supplied provider API keys encrypted at
// rest. Plaintext is only ever held in memory for the duration of a single
// call; it is never logged and no HTTP route returns it. Reveal decrypts a
// stored key for in-process callers.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/hiverun/controlplane/internal/apperr"
)

// Vault is the pgx-backed, envelope-encrypted API key store.
type Vault struct {
	pool *pgxpool.Pool
	key  []byte // master key; per-record keys are derived from it via HKDF
}

// New creates a Vault. masterKey must be kept outside the database
// (environment or a secrets manager) — losing it makes every stored key
// unrecoverable.
func New(pool *pgxpool.Pool, masterKey []byte) *Vault {
	return &Vault{pool: pool, key: masterKey}
}

// KeyInfo describes a stored key without revealing its plaintext.
type KeyInfo struct {
	TenantID  string
	Provider  string
	Label     *string
	CreatedAt string
}

// Store encrypts plaintext and upserts it for (tenantID, provider).
func (v *Vault) Store(ctx context.Context, tenantID, provider string, label *string, plaintext []byte) error {
	aead, nonce, err := v.newAEAD(tenantID, provider)
	if err != nil {
		return err
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, additionalData(tenantID, provider))

	_, err = v.pool.Exec(ctx, `
		INSERT INTO tenant_api_keys (tenant_id, provider, label, ciphertext, nonce)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (tenant_id, provider) DO UPDATE
		SET label = $3, ciphertext = $4, nonce = $5, created_at = now()`,
		tenantID, provider, label, ciphertext, nonce)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "storing api key", err)
	}
	return nil
}

// Reveal decrypts and returns the plaintext key for (tenantID, provider).
// Callers must not log or persist the result.
func (v *Vault) Reveal(ctx context.Context, tenantID, provider string) ([]byte, error) {
	var ciphertext, nonce []byte
	err := v.pool.QueryRow(ctx, `
		SELECT ciphertext, nonce FROM tenant_api_keys WHERE tenant_id = $1 AND provider = $2`,
		tenantID, provider,
	).Scan(&ciphertext, &nonce)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "no api key stored for this tenant and provider")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "fetching api key", err)
	}

	aead, err := v.aeadFromMasterKey(tenantID, provider)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData(tenantID, provider))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "decrypting api key (wrong master key or tampered row)", err)
	}
	return plaintext, nil
}

// List returns metadata for every key stored for tenantID, without
// decrypting any of them.
func (v *Vault) List(ctx context.Context, tenantID string) ([]KeyInfo, error) {
	rows, err := v.pool.Query(ctx, `
		SELECT tenant_id, provider, label, created_at FROM tenant_api_keys WHERE tenant_id = $1 ORDER BY provider`,
		tenantID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "listing api keys", err)
	}
	defer rows.Close()

	var out []KeyInfo
	for rows.Next() {
		var info KeyInfo
		var createdAt any
		if err := rows.Scan(&info.TenantID, &info.Provider, &info.Label, &createdAt); err != nil {
			return nil, apperr.Wrap(apperr.KindTransient, "scanning api key row", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes the stored key for (tenantID, provider), if any.
func (v *Vault) Delete(ctx context.Context, tenantID, provider string) error {
	_, err := v.pool.Exec(ctx, `DELETE FROM tenant_api_keys WHERE tenant_id = $1 AND provider = $2`, tenantID, provider)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "deleting api key", err)
	}
	return nil
}

// newAEAD derives a fresh per-record key from the master key via HKDF and
// returns it alongside a freshly generated random nonce.
func (v *Vault) newAEAD(tenantID, provider string) (cipher.AEAD, []byte, error) {
	aead, err := v.aeadFromMasterKey(tenantID, provider)
	if err != nil {
		return nil, nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindFatal, "generating nonce", err)
	}
	return aead, nonce, nil
}

func (v *Vault) aeadFromMasterKey(tenantID, provider string) (cipher.AEAD, error) {
	derived := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, v.key, nil, additionalData(tenantID, provider))
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "deriving per-record key", err)
	}

	aead, err := chacha20poly1305.New(derived)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindFatal, "constructing aead cipher", err)
	}
	return aead, nil
}

func additionalData(tenantID, provider string) []byte {
	return []byte(tenantID + ":" + provider)
}
