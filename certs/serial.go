package certs

import (
	"fmt"
	"math/big"

	"github.com/jmcleod/certgate/internal/util"
)

// serialBytes is the size of generated serial numbers. 128 random bits
// make accidental collision cryptographically negligible; the CA engine
// still re-checks the store before committing.
const serialBytes = 16

// NewSerial generates a cryptographically unpredictable certificate
// serial number. The returned string is the canonical 32-hex-char form
// used as the store key.
func NewSerial() (*big.Int, string, error) {
	for {
		b, err := util.RandomBytes(serialBytes)
		if err != nil {
			return nil, "", fmt.Errorf("generating serial: %w", err)
		}
		// Clear the top bit so the DER integer encoding stays positive
		// and within 16 octets.
		b[0] &= 0x7F
		n := new(big.Int).SetBytes(b)
		if n.Sign() == 0 {
			continue
		}
		return n, SerialString(n), nil
	}
}
