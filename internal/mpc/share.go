package mpc

import (
	"fmt"
	"io"
)

// Additive secret sharing over GF(P). A secret s is split into n shares:
// n-1 uniform field elements handed out to the other participants and one
// residual the sender keeps, with residual + sum(shares) = s mod P.

// Split draws n-1 uniform shares from rng and returns the residual.
func Split(secret Element, n int, rng io.Reader) (residual Element, shares []Element, err error) {
	if n < 2 {
		return Element{}, nil, fmt.Errorf("mpc: split needs at least 2 participants, got %d", n)
	}
	shares = make([]Element, n-1)
	for i := range shares {
		if shares[i], err = Sample(rng); err != nil {
			return Element{}, nil, err
		}
	}
	residual = Sub(secret, Sum(shares))
	return residual, shares, nil
}

// PartialSum combines the local residual with the shares received from the
// other participants. The result is uniform in the field conditioned on
// the group sum, so it is safe to publish.
func PartialSum(residual Element, received []Element) Element {
	return Add(residual, Sum(received))
}
