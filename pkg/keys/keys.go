// Package keys rebuilds the card's RSA public key from its export format and
// verifies challenge signatures produced by the card.
//
// Export layout (big-endian lengths):
//
//	[expLen:2][exponent:expLen][modLen:2][modulus:modLen]
//
// with 0 < expLen <= 10 and 0 < modLen <= 256. Signatures use SHA-1 with RSA
// PKCS#1 v1.5, which is what the card program implements.
package keys

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/gregLibert/cardwallet/pkg/iso7816"
)

const (
	// MaxExponentLen is the largest exponent accepted, in bytes.
	MaxExponentLen = 10
	// MaxModulusLen is the largest modulus accepted, in bytes (RSA-2048).
	MaxModulusLen = 256

	// minExportLen is the shortest buffer accepted.
	minExportLen = 7
)

var (
	// ErrMalformedKey reports an export buffer violating the layout invariants.
	ErrMalformedKey = fmt.Errorf("%w: public key", iso7816.ErrMalformedResponse)

	// ErrInvalidKey reports material that does not form a usable RSA public key.
	ErrInvalidKey = errors.New("invalid rsa public key")

	// ErrInvalidInput reports a structurally unusable verification input.
	ErrInvalidInput = errors.New("invalid signature input")
)

// Material is the raw public key exported by the card.
type Material struct {
	Exponent []byte
	Modulus  []byte
}

// ParsePublicKey reads the export layout. Bytes after the modulus are ignored.
func ParsePublicKey(b []byte) (*Material, error) {
	if len(b) < minExportLen {
		return nil, fmt.Errorf("%w: buffer of %d bytes, need at least %d", ErrMalformedKey, len(b), minExportLen)
	}

	expLen := int(binary.BigEndian.Uint16(b))
	if expLen == 0 || expLen > MaxExponentLen {
		return nil, fmt.Errorf("%w: exponent length %d out of range 1-%d", ErrMalformedKey, expLen, MaxExponentLen)
	}

	off := 2
	if len(b) < off+expLen+2 {
		return nil, fmt.Errorf("%w: truncated exponent, need %d bytes, have %d", ErrMalformedKey, off+expLen+2, len(b))
	}
	exponent := b[off : off+expLen]
	off += expLen

	modLen := int(binary.BigEndian.Uint16(b[off:]))
	if modLen == 0 || modLen > MaxModulusLen {
		return nil, fmt.Errorf("%w: modulus length %d out of range 1-%d", ErrMalformedKey, modLen, MaxModulusLen)
	}
	off += 2

	if len(b) < off+modLen {
		return nil, fmt.Errorf("%w: truncated modulus, need %d bytes, have %d", ErrMalformedKey, off+modLen, len(b))
	}
	modulus := b[off : off+modLen]

	return &Material{
		Exponent: append([]byte(nil), exponent...),
		Modulus:  append([]byte(nil), modulus...),
	}, nil
}

// Bytes serializes the material back to the export layout.
func (m *Material) Bytes() ([]byte, error) {
	if len(m.Exponent) == 0 || len(m.Exponent) > MaxExponentLen ||
		len(m.Modulus) == 0 || len(m.Modulus) > MaxModulusLen {
		return nil, fmt.Errorf("%w: exponent %d bytes, modulus %d bytes", ErrMalformedKey, len(m.Exponent), len(m.Modulus))
	}

	out := make([]byte, 0, 4+len(m.Exponent)+len(m.Modulus))
	out = binary.BigEndian.AppendUint16(out, uint16(len(m.Exponent)))
	out = append(out, m.Exponent...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(m.Modulus)))
	out = append(out, m.Modulus...)
	return out, nil
}

// FromPublicKey extracts the minimal big-endian material of pub.
func FromPublicKey(pub *rsa.PublicKey) (*Material, error) {
	if pub == nil || pub.N == nil || pub.E <= 1 {
		return nil, ErrInvalidKey
	}
	return &Material{
		Exponent: big.NewInt(int64(pub.E)).Bytes(),
		Modulus:  pub.N.Bytes(),
	}, nil
}

// ToPublicKey interprets both values as unsigned big-endian integers.
func ToPublicKey(m *Material) (*rsa.PublicKey, error) {
	if m == nil {
		return nil, ErrInvalidKey
	}

	var n, e big.Int
	n.SetBytes(m.Modulus)
	e.SetBytes(m.Exponent)

	if n.Sign() == 0 {
		return nil, fmt.Errorf("%w: zero modulus", ErrInvalidKey)
	}
	if !e.IsInt64() || e.Int64() > math.MaxInt32 || e.Int64() < 2 {
		return nil, fmt.Errorf("%w: exponent %s out of range", ErrInvalidKey, e.String())
	}

	return &rsa.PublicKey{N: &n, E: int(e.Int64())}, nil
}

// VerifySignature checks a SHA-1/RSA PKCS#1 v1.5 signature over challenge.
// A signature that does not verify is reported as false, not as an error.
func VerifySignature(signature []byte, pub *rsa.PublicKey, challenge []byte) (bool, error) {
	if len(signature) == 0 {
		return false, fmt.Errorf("%w: empty signature", ErrInvalidInput)
	}
	if pub == nil || pub.N == nil {
		return false, fmt.Errorf("%w: missing public key", ErrInvalidInput)
	}

	digest := sha1.Sum(challenge)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], signature); err != nil {
		return false, nil
	}
	return true, nil
}
