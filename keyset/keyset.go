// Package keyset manages the signing and encryption keys that back every
// token Takagi issues: one RS256 RSA private key and one 256-bit A256GCM
// octet sequence key, together serialized as a JWK Set.
package keyset

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const rsaKeySize = 2048

type Keyset struct {
	signing    jwk.Key
	encryption jwk.Key

	signingRaw *rsa.PrivateKey
}

// Generate creates a fresh keyset with newly minted keys. Key IDs are
// RFC 7638 thumbprints of the respective keys.
func Generate() (*Keyset, error) {
	rawRsa, err := rsa.GenerateKey(rand.Reader, rsaKeySize)
	if err != nil {
		return nil, fmt.Errorf("could not generate rsa key: %w", err)
	}

	signing, err := jwk.FromRaw(rawRsa)
	if err != nil {
		return nil, fmt.Errorf("could not wrap rsa key: %w", err)
	}

	if err := configureKey(signing, "sig", "RS256"); err != nil {
		return nil, err
	}

	rawOct := make([]byte, 32)
	if _, err := rand.Read(rawOct); err != nil {
		return nil, fmt.Errorf("could not generate octet sequence key: %w", err)
	}

	encryption, err := jwk.FromRaw(rawOct)
	if err != nil {
		return nil, fmt.Errorf("could not wrap octet sequence key: %w", err)
	}

	if err := configureKey(encryption, "enc", "A256GCM"); err != nil {
		return nil, err
	}

	return &Keyset{
		signing:    signing,
		encryption: encryption,
		signingRaw: rawRsa,
	}, nil
}

func configureKey(key jwk.Key, use, alg string) error {
	thumb, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return fmt.Errorf("could not compute key thumbprint: %w", err)
	}

	fields := map[string]any{
		jwk.KeyIDKey:     base64.RawURLEncoding.EncodeToString(thumb),
		jwk.KeyUsageKey:  use,
		jwk.AlgorithmKey: alg,
	}

	for name, value := range fields {
		if err := key.Set(name, value); err != nil {
			return fmt.Errorf("could not set %s on key: %w", name, err)
		}
	}

	return nil
}

// Parse reads a JWK Set and validates that it is a usable keyset: exactly
// one private RS256 RSA signing key and one 32-byte A256GCM octet sequence
// encryption key, each carrying a key ID.
func Parse(b []byte) (*Keyset, error) {
	set, err := jwk.Parse(b)
	if err != nil {
		return nil, fmt.Errorf("could not parse keyset: %w", err)
	}

	if set.Len() != 2 {
		return nil, fmt.Errorf("keyset must contain exactly two keys, got %d", set.Len())
	}

	ks := &Keyset{}

	for i := 0; i < set.Len(); i++ {
		key, _ := set.Key(i)

		switch key.KeyType() {
		case jwa.RSA:
			ks.signing = key
		case jwa.OctetSeq:
			ks.encryption = key
		default:
			return nil, fmt.Errorf("keyset contains an unsupported key type %q", key.KeyType())
		}
	}

	if ks.signing == nil {
		return nil, fmt.Errorf("keyset must contain an RSA key")
	}

	if ks.encryption == nil {
		return nil, fmt.Errorf("keyset must contain an octet sequence key")
	}

	if ks.signing.Algorithm().String() != "RS256" {
		return nil, fmt.Errorf("the RSA key must be an RS256 key")
	}

	if ks.signing.KeyUsage() != "sig" {
		return nil, fmt.Errorf("the RSA key must support signing")
	}

	var rawRsa rsa.PrivateKey
	if err := ks.signing.Raw(&rawRsa); err != nil {
		return nil, fmt.Errorf("the RSA key must be a private key: %w", err)
	}

	ks.signingRaw = &rawRsa

	if ks.encryption.Algorithm().String() != "A256GCM" {
		return nil, fmt.Errorf("the octet sequence key must be an A256GCM key")
	}

	if ks.encryption.KeyUsage() != "enc" {
		return nil, fmt.Errorf("the octet sequence key must support encryption")
	}

	var rawOct []byte
	if err := ks.encryption.Raw(&rawOct); err != nil {
		return nil, fmt.Errorf("could not read the octet sequence key: %w", err)
	}

	if len(rawOct) != 32 {
		return nil, fmt.Errorf("the octet sequence key must decode to 32 bytes, got %d", len(rawOct))
	}

	for _, key := range []jwk.Key{ks.signing, ks.encryption} {
		if key.KeyID() == "" {
			return nil, fmt.Errorf("every key in the keyset must have a key id")
		}
	}

	return ks, nil
}

// MarshalJSON serializes the keyset, private parameters included.
func (ks *Keyset) MarshalJSON() ([]byte, error) {
	set := jwk.NewSet()

	for _, key := range []jwk.Key{ks.signing, ks.encryption} {
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}

	return json.Marshal(set)
}

// SigningKey returns the raw RSA private key for JWS operations.
func (ks *Keyset) SigningKey() *rsa.PrivateKey {
	return ks.signingRaw
}

// SigningKeyID returns the kid of the signing key.
func (ks *Keyset) SigningKeyID() string {
	return ks.signing.KeyID()
}

// Encrypt seals plaintext into a compact JWE under the encryption key
// using direct A256GCM.
func (ks *Keyset) Encrypt(plaintext []byte) (string, error) {
	sealed, err := jwe.Encrypt(
		plaintext,
		jwe.WithKey(jwa.DIRECT, ks.encryption),
		jwe.WithContentEncryption(jwa.A256GCM),
	)
	if err != nil {
		return "", fmt.Errorf("could not encrypt payload: %w", err)
	}

	return string(sealed), nil
}

// Decrypt opens a compact JWE produced by Encrypt.
func (ks *Keyset) Decrypt(sealed string) ([]byte, error) {
	plaintext, err := jwe.Decrypt(
		[]byte(sealed),
		jwe.WithKey(jwa.DIRECT, ks.encryption),
	)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt payload: %w", err)
	}

	return plaintext, nil
}

// PublicJWKS returns the public parameters of the signing key as a JWK Set.
// The encryption key is never published.
func (ks *Keyset) PublicJWKS() (jwk.Set, error) {
	pub, err := ks.signing.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("could not derive public signing key: %w", err)
	}

	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		return nil, err
	}

	return set, nil
}

// LoadManaged reads the managed keyset file, creating and persisting a
// fresh keyset when the file is missing or unreadable.
func LoadManaged(path string) (*Keyset, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if ks, perr := Parse(b); perr == nil {
			return ks, nil
		}
	}

	return replaceManaged(path)
}

// Rotate generates a fresh keyset and atomically replaces the managed
// keyset file. Tokens issued under the previous keyset stop verifying.
func Rotate(path string) (*Keyset, error) {
	return replaceManaged(path)
}

func replaceManaged(path string) (*Keyset, error) {
	ks, err := Generate()
	if err != nil {
		return nil, err
	}

	b, err := json.Marshal(ks)
	if err != nil {
		return nil, fmt.Errorf("could not serialize keyset: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("could not create keyset directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return nil, fmt.Errorf("could not write keyset file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("could not replace keyset file: %w", err)
	}

	return ks, nil
}
