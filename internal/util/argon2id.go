package util

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams are the KDF parameters for token hashing.
type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

// DefaultArgon2idParams returns the interactive-profile parameters used
// for the admin token. The token is checked once per admin request, so
// the cost only has to defeat offline guessing of a leaked digest.
func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

// DeriveArgon2idKey derives a key from a secret and salt.
func DeriveArgon2idKey(secret string, salt []byte, params Argon2idParams) ([]byte, error) {
	if params.KeyLen != 32 {
		return nil, fmt.Errorf("argon2id key length must be 32 bytes")
	}
	return argon2.IDKey([]byte(secret), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen), nil
}

// CompareArgon2idKey derives a key from the candidate secret and compares
// it to the expected digest in constant time.
func CompareArgon2idKey(secret string, salt []byte, params Argon2idParams, expectedKey []byte) (bool, error) {
	key, err := DeriveArgon2idKey(secret, salt, params)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(key, expectedKey) == 1, nil
}
