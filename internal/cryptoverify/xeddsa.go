// Package cryptoverify adapts the directory and relay protocol's signature
// checks onto Curve25519 identity keys using the XEdDSA construction
// (Perrin/Marlinspike): a Montgomery public key is converted to its
// birationally-equivalent Edwards point and verified as an ordinary
// Ed25519-shaped signature over SHA-512.
package cryptoverify

import (
	"crypto/sha512"
	"errors"
	"math/big"

	"filippo.io/edwards25519"
)

// ErrInvalidSignature is returned by montgomeryToEdwards for a key with no
// Edwards equivalent. Verify itself returns only a bool: it does not
// distinguish "bad key" from "bad signature" from "forged" — per §4.2, all
// collapse to the same false outcome at the caller.
var ErrInvalidSignature = errors.New("cryptoverify: invalid signature")

const (
	// KeySize is the length of a Curve25519 (Montgomery) public key.
	KeySize = 32
	// SigSize is the length of an XEdDSA signature: a 32-byte compressed
	// Edwards point R followed by a 32-byte scalar s.
	SigSize = 64
)

var fieldP, _ = new(big.Int).SetString("7fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffed", 16)

// Verifier checks a signature made by the holder of a Curve25519 private
// key over an arbitrary message, per the XEdDSA scheme assumed throughout
// §4.2–§4.7.
type Verifier interface {
	Verify(pubKey, msg, sig []byte) bool
}

// XEdDSA is the production Verifier, grounded on Edwards25519 scalar/point
// arithmetic rather than the stdlib crypto/ed25519 package, since the
// identity keys here are Montgomery (X25519) keys, not native Ed25519 keys.
type XEdDSA struct{}

// Verify reports whether sig is a valid XEdDSA signature over msg under the
// Curve25519 public key pubKey. It never panics on malformed input; any
// structural problem is reported as a failed verification.
func (XEdDSA) Verify(pubKey, msg, sig []byte) bool {
	if len(pubKey) != KeySize || len(sig) != SigSize {
		return false
	}
	A, err := montgomeryToEdwards(pubKey)
	if err != nil {
		return false
	}
	aBytes := A.Bytes()

	R, err := new(edwards25519.Point).SetBytes(sig[:32])
	if err != nil {
		return false
	}
	s := new(edwards25519.Scalar)
	if _, err := s.SetCanonicalBytes(sig[32:]); err != nil {
		return false
	}

	h := sha512.New()
	h.Write(sig[:32])
	h.Write(aBytes)
	h.Write(msg)
	hReduced := new(edwards25519.Scalar).SetUniformBytes(h.Sum(nil))

	// Check [s]B - [h]A == R, i.e. [s]B + [-h]A == R.
	negH := new(edwards25519.Scalar).Negate(hReduced)
	check := new(edwards25519.Point).VarTimeDoubleScalarBaseMult(negH, A, s)
	return check.Equal(R) == 1
}

// montgomeryToEdwards converts a little-endian Curve25519 u-coordinate into
// its birationally equivalent Edwards point, with the sign bit of the
// resulting compressed point forced to 0. XEdDSA signers apply the same
// convention (negating their scalar at signing time when the natural sign
// bit would be 1), so verification never needs to recover the true sign.
func montgomeryToEdwards(u []byte) (*edwards25519.Point, error) {
	uLE := make([]byte, 32)
	copy(uLE, u)
	uInt := leBytesToBigInt(uLE)
	uInt.Mod(uInt, fieldP)

	one := big.NewInt(1)
	num := new(big.Int).Sub(uInt, one) // u - 1
	den := new(big.Int).Add(uInt, one) // u + 1
	den.Mod(den, fieldP)
	if den.Sign() == 0 {
		return nil, ErrInvalidSignature
	}
	denInv := new(big.Int).ModInverse(den, fieldP)
	if denInv == nil {
		return nil, ErrInvalidSignature
	}
	y := new(big.Int).Mul(num, denInv)
	y.Mod(y, fieldP)

	yBytes := bigIntToLEBytes(y, 32)
	yBytes[31] &^= 0x80 // force sign bit 0, per XEdDSA convention

	return new(edwards25519.Point).SetBytes(yBytes)
}

func leBytesToBigInt(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	return new(big.Int).SetBytes(be)
}

func bigIntToLEBytes(v *big.Int, size int) []byte {
	be := v.Bytes()
	padded := make([]byte, size)
	copy(padded[size-len(be):], be)
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = padded[size-1-i]
	}
	return out
}
