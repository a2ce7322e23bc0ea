package mpc

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/cronokirby/saferith"
)

// The share arithmetic works in GF(P) with P = 2^127 - 1. Two-decimal
// fixed-point inputs scaled by 100 leave well over 80 bits of headroom
// before any realistic group sum approaches P.

// ElementSize is the fixed wire size of a field element in bytes.
const ElementSize = 16

var (
	pBytes = func() []byte {
		b := make([]byte, ElementSize)
		b[0] = 0x7f
		for i := 1; i < ElementSize; i++ {
			b[i] = 0xff
		}
		return b
	}()

	modulus = saferith.ModulusFromBytes(pBytes)

	// prime and halfPrime back the decode/range paths, which format
	// through math/big anyway.
	prime     = new(big.Int).SetBytes(pBytes)
	halfPrime = new(big.Int).Rsh(new(big.Int).SetBytes(pBytes), 1)
)

const maxSampleIterations = 255

var errSampleExhausted = fmt.Errorf("mpc: failed to sample after %d iterations", maxSampleIterations)

// Element is a canonical (fully reduced) field element, big-endian.
type Element [ElementSize]byte

func (e Element) nat() *saferith.Nat {
	return new(saferith.Nat).SetBytes(e[:])
}

func fromNat(n *saferith.Nat) Element {
	var e Element
	n.FillBytes(e[:])
	return e
}

// Add returns a + b mod P.
func Add(a, b Element) Element {
	return fromNat(new(saferith.Nat).ModAdd(a.nat(), b.nat(), modulus))
}

// Sub returns a - b mod P.
func Sub(a, b Element) Element {
	return fromNat(new(saferith.Nat).ModSub(a.nat(), b.nat(), modulus))
}

// Sum returns the modular sum of all elements; the empty sum is zero.
func Sum(elems []Element) Element {
	acc := new(saferith.Nat).SetUint64(0)
	for _, e := range elems {
		acc.ModAdd(acc, e.nat(), modulus)
	}
	return fromNat(acc)
}

// Sample draws a uniform field element from rng by rejection sampling.
// The top bit is masked so only the single value P itself is ever rejected.
func Sample(rng io.Reader) (Element, error) {
	var buf [ElementSize]byte
	for i := 0; i < maxSampleIterations; i++ {
		if _, err := io.ReadFull(rng, buf[:]); err != nil {
			return Element{}, fmt.Errorf("mpc: sample: %w", err)
		}
		buf[0] &= 0x7f
		n := new(saferith.Nat).SetBytes(buf[:])
		if _, _, lt := n.CmpMod(modulus); lt == 1 {
			return fromNat(n), nil
		}
	}
	return Element{}, errSampleExhausted
}

// FromBytes validates and copies a 16-byte big-endian element off the wire.
func FromBytes(b []byte) (Element, error) {
	if len(b) != ElementSize {
		return Element{}, errors.New("mpc: field element must be 16 bytes")
	}
	v := new(big.Int).SetBytes(b)
	if v.Cmp(prime) >= 0 {
		return Element{}, errors.New("mpc: field element out of range")
	}
	var e Element
	copy(e[:], b)
	return e, nil
}

// centered interprets e as the signed representative in (-P/2, P/2].
func centered(e Element) *big.Int {
	v := new(big.Int).SetBytes(e[:])
	if v.Cmp(halfPrime) > 0 {
		v.Sub(v, prime)
	}
	return v
}
