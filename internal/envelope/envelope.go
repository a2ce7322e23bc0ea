package envelope

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/sine-fdn/sinebench/internal/identity"
)

// An envelope carries one share to one recipient over the broadcast topic:
// the payload is encrypted to the recipient's X25519 key via an ephemeral
// ECDH exchange and the whole thing is signed by the sender, so a share
// can neither be read nor forged by the other subscribers.

// ErrInvalidEnvelope covers every verification or decryption failure; the
// caller never learns which check failed.
var ErrInvalidEnvelope = errors.New("envelope: invalid envelope")

const hkdfInfo = "sine-benchmark/v1/envelope"

// Envelope is the wire representation of one sealed share.
type Envelope struct {
	Sender    identity.Fingerprint
	Recipient identity.Fingerprint
	Nonce     [chacha20poly1305.NonceSize]byte
	// Ciphertext is the 32-byte ephemeral X25519 public key followed by
	// the AEAD output.
	Ciphertext []byte
	Signature  []byte
}

// signedBytes is the byte string the sender signs: recipient fingerprint,
// ciphertext, then nonce.
func (e *Envelope) signedBytes() []byte {
	b := make([]byte, 0, identity.FingerprintSize+len(e.Ciphertext)+len(e.Nonce))
	b = append(b, e.Recipient[:]...)
	b = append(b, e.Ciphertext...)
	b = append(b, e.Nonce[:]...)
	return b
}

func aeadFor(shared []byte, ephPub, recipientPub [32]byte) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, shared, append(ephPub[:], recipientPub[:]...), []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

// Seal encrypts plaintext to the recipient and signs the result with the
// sender's session key. A fresh ephemeral keypair and nonce are drawn from
// rng for every message.
func Seal(plaintext []byte, recipient identity.Fingerprint, recipientEncPub [32]byte, sender *identity.Keypair, rng io.Reader) (*Envelope, error) {
	var ephPriv, ephPub [32]byte
	if _, err := io.ReadFull(rng, ephPriv[:]); err != nil {
		return nil, fmt.Errorf("envelope: ephemeral key: %w", err)
	}
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)
	shared, err := curve25519.X25519(ephPriv[:], recipientEncPub[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: key agreement: %w", err)
	}
	aead, err := aeadFor(shared, ephPub, recipientEncPub)
	if err != nil {
		return nil, fmt.Errorf("envelope: aead: %w", err)
	}
	env := &Envelope{Sender: sender.Fingerprint(), Recipient: recipient}
	if _, err := io.ReadFull(rng, env.Nonce[:]); err != nil {
		return nil, fmt.Errorf("envelope: nonce: %w", err)
	}
	env.Ciphertext = append(ephPub[:], aead.Seal(nil, env.Nonce[:], plaintext, nil)...)
	env.Signature = sender.Sign(env.signedBytes())
	return env, nil
}

// Open verifies the sender's signature and decrypts the payload with the
// recipient's session keypair. Any failure is ErrInvalidEnvelope.
func Open(env *Envelope, recipient *identity.Keypair, senderSignPub ed25519.PublicKey) ([]byte, error) {
	if !identity.Verify(senderSignPub, env.signedBytes(), env.Signature) {
		return nil, ErrInvalidEnvelope
	}
	if len(env.Ciphertext) < 32 {
		return nil, ErrInvalidEnvelope
	}
	var ephPub [32]byte
	copy(ephPub[:], env.Ciphertext[:32])
	shared, err := recipient.SharedSecret(ephPub)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	aead, err := aeadFor(shared, ephPub, recipient.EncPub)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	plaintext, err := aead.Open(nil, env.Nonce[:], env.Ciphertext[32:], nil)
	if err != nil {
		return nil, ErrInvalidEnvelope
	}
	return plaintext, nil
}
