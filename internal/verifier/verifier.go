// Package verifier defines the zero-knowledge proof verifier collaborator.
// The venue routes ownership proofs through this interface; the proof system
// itself lives outside this repository.
package verifier

import (
	"context"

	"github.com/cloakex/venue-engine/internal/model"
)

// Verifier validates an order-ownership proof against a commitment. A nil
// return means the proof verified; any error is surfaced to the caller as an
// InvalidProof venue error.
type Verifier interface {
	VerifyOwnership(ctx context.Context, commitment model.Hash32, proof, publicSignals []byte) error
}

// Noop accepts every proof. It stands in until the on-chain verifier
// collaborator is specified; ownership is then enforced by identity equality
// alone, matching the venue's current trust model.
type Noop struct{}

func (Noop) VerifyOwnership(context.Context, model.Hash32, []byte, []byte) error {
	return nil
}

// Func adapts a function to the Verifier interface. Tests use this to
// exercise the InvalidProof path without a real proof system.
type Func func(ctx context.Context, commitment model.Hash32, proof, publicSignals []byte) error

func (f Func) VerifyOwnership(ctx context.Context, commitment model.Hash32, proof, publicSignals []byte) error {
	return f(ctx, commitment, proof, publicSignals)
}
