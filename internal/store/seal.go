// ABOUTME: At-rest sealing of protocol store blobs with zstd and age
// ABOUTME: Unsealed blobs still open so existing databases keep working after a key is added

package store

import (
	"bytes"
	"fmt"
	"io"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
)

// ageHeader prefixes every age-encrypted payload.
var ageHeader = []byte("age-encryption.org/")

// Sealer compresses then encrypts blobs to an age X25519 identity.
// A nil *Sealer passes data through unchanged.
type Sealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewSealer builds a Sealer from an AGE-SECRET-KEY-1... string.
func NewSealer(secretKey string) (*Sealer, error) {
	identity, err := age.ParseX25519Identity(secretKey)
	if err != nil {
		return nil, fmt.Errorf("parsing store key: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Sealer{
		identity:  identity,
		recipient: identity.Recipient(),
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// GenerateStoreKey returns a new AGE-SECRET-KEY-1... string for NewSealer.
func GenerateStoreKey() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating store key: %w", err)
	}
	return identity.String(), nil
}

// Seal compresses and encrypts data.
func (s *Sealer) Seal(data []byte) ([]byte, error) {
	if s == nil {
		return data, nil
	}

	compressed := s.encoder.EncodeAll(data, nil)

	var out bytes.Buffer
	w, err := age.Encrypt(&out, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return nil, fmt.Errorf("writing to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return out.Bytes(), nil
}

// Open reverses Seal. Data without the age header is returned as is.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, ageHeader) {
		return data, nil
	}
	if s == nil {
		return nil, fmt.Errorf("protocol store is sealed but no store key is configured")
	}

	r, err := age.Decrypt(bytes.NewReader(data), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted data: %w", err)
	}
	plain, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing: %w", err)
	}
	return plain, nil
}
