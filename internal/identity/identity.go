package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
)

// A participant identity lives for exactly one session: an ed25519 signing
// keypair plus a distinct X25519 encryption keypair. The two are bound
// together by signing the Hello record that announces them. Nothing is
// ever persisted.

// FingerprintSize is the truncated hash length identifying a participant.
const FingerprintSize = 16

// Fingerprint is the first 16 bytes of SHA-256 over the signing public key.
type Fingerprint [FingerprintSize]byte

// FingerprintOf derives the fingerprint of a signing public key.
func FingerprintOf(signPub ed25519.PublicKey) Fingerprint {
	sum := sha256.Sum256(signPub)
	var fp Fingerprint
	copy(fp[:], sum[:FingerprintSize])
	return fp
}

// String renders the fingerprint as four 8-hex-digit groups for human
// verification, e.g. "3f2a1b0c 99ee0102 4d5e6f70 8899aabb".
func (fp Fingerprint) String() string {
	return fmt.Sprintf("%x %x %x %x", fp[0:4], fp[4:8], fp[8:12], fp[12:16])
}

// Less orders fingerprints bytewise; the protocol iterates participants in
// ascending fingerprint order.
func (fp Fingerprint) Less(other Fingerprint) bool {
	return bytes.Compare(fp[:], other[:]) < 0
}

// Keypair holds the session-local key material.
type Keypair struct {
	SignPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
	EncPub   [32]byte
	encPriv  [32]byte
}

// Generate creates a fresh session identity from rng. The rng must be
// cryptographically secure; it is injected so tests can replay.
func Generate(rng io.Reader) (*Keypair, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, fmt.Errorf("identity: signing key: %w", err)
	}
	var kp Keypair
	kp.SignPub = signPub
	kp.signPriv = signPriv
	if _, err := io.ReadFull(rng, kp.encPriv[:]); err != nil {
		return nil, fmt.Errorf("identity: encryption key: %w", err)
	}
	curve25519.ScalarBaseMult(&kp.EncPub, &kp.encPriv)
	return &kp, nil
}

// Fingerprint returns the identity's fingerprint.
func (kp *Keypair) Fingerprint() Fingerprint {
	return FingerprintOf(kp.SignPub)
}

// Sign signs msg with the session signing key.
func (kp *Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(kp.signPriv, msg)
}

// SharedSecret runs X25519 between the local encryption key and peerPub.
func (kp *Keypair) SharedSecret(peerPub [32]byte) ([]byte, error) {
	return curve25519.X25519(kp.encPriv[:], peerPub[:])
}

// Verify checks sig over msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, msg, sig)
}
