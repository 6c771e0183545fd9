package cryptoverify

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha512"
	"testing"

	"filippo.io/edwards25519"
)

// signForTest produces an XEdDSA signature over msg under the Curve25519
// private scalar priv, mirroring the client-side half of the construction
// Verify checks. Production code never signs; only the test fixtures here
// need it.
func signForTest(t *testing.T, priv, pubKey, msg []byte) []byte {
	t.Helper()
	a, err := new(edwards25519.Scalar).SetBytesWithClamping(priv)
	if err != nil {
		t.Fatalf("clamp scalar: %v", err)
	}
	// A carries sign bit 0; when [a]B has sign bit 1, A is -[a]B, so sign
	// with -a instead.
	if new(edwards25519.Point).ScalarBaseMult(a).Bytes()[31]&0x80 != 0 {
		a.Negate(a)
	}
	A, err := montgomeryToEdwards(pubKey)
	if err != nil {
		t.Fatalf("convert pubkey: %v", err)
	}
	aBytes := A.Bytes()

	nonceH := sha512.New()
	nonceH.Write(priv)
	nonceH.Write(msg)
	r := new(edwards25519.Scalar).SetUniformBytes(nonceH.Sum(nil))

	R := new(edwards25519.Point).ScalarBaseMult(r)
	RBytes := R.Bytes()

	hashH := sha512.New()
	hashH.Write(RBytes)
	hashH.Write(aBytes)
	hashH.Write(msg)
	h := new(edwards25519.Scalar).SetUniformBytes(hashH.Sum(nil))

	s := new(edwards25519.Scalar).MultiplyAdd(h, a, r)

	sig := make([]byte, 0, SigSize)
	sig = append(sig, RBytes...)
	sig = append(sig, s.Bytes()...)
	return sig
}

func genKeyPair(t *testing.T) (priv, pub []byte) {
	t.Helper()
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key.Bytes(), key.PublicKey().Bytes()
}

func TestVerify_ValidSignature(t *testing.T) {
	priv, pub := genKeyPair(t)
	msg := []byte("POST/api/identity{}")
	sig := signForTest(t, priv, pub, msg)

	if !(XEdDSA{}).Verify(pub, msg, sig) {
		t.Fatal("expected valid signature to verify")
	}
}

func TestVerify_RejectsTamperedMessage(t *testing.T) {
	priv, pub := genKeyPair(t)
	msg := []byte("original body")
	sig := signForTest(t, priv, pub, msg)

	if (XEdDSA{}).Verify(pub, []byte("tampered body"), sig) {
		t.Fatal("expected tampered message to fail verification")
	}
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	priv, _ := genKeyPair(t)
	_, otherPub := genKeyPair(t)
	msg := []byte("hello")
	sig := signForTest(t, priv, otherPub, msg)

	if (XEdDSA{}).Verify(otherPub, msg, sig) {
		t.Fatal("signature computed for the wrong public key must not verify")
	}
}

func TestVerify_RejectsMalformedLengths(t *testing.T) {
	_, pub := genKeyPair(t)
	cases := []struct {
		name string
		pub  []byte
		sig  []byte
	}{
		{"short key", pub[:31], make([]byte, SigSize)},
		{"long key", append(append([]byte{}, pub...), 0), make([]byte, SigSize)},
		{"short sig", pub, make([]byte, SigSize-1)},
		{"empty", nil, nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if (XEdDSA{}).Verify(c.pub, []byte("m"), c.sig) {
				t.Fatal("expected malformed input to fail verification")
			}
		})
	}
}

func TestVerify_RejectsGarbageSignature(t *testing.T) {
	_, pub := genKeyPair(t)
	garbage := make([]byte, SigSize)
	for i := range garbage {
		garbage[i] = byte(i)
	}
	if (XEdDSA{}).Verify(pub, []byte("m"), garbage) {
		t.Fatal("random bytes must not verify as a valid signature")
	}
}
