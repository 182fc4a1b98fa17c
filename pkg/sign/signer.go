// Package sign adapts external signing tools (gpg, rpmsign) behind a
// capability interface so orchestration stays testable with fakes.
package sign

import (
	"context"
	"errors"
)

var (
	ErrSigning      = errors.New("signing failed")
	ErrVerification = errors.New("verification failed")
)

// Signer signs package artifacts and repository manifests.
type Signer interface {
	// SignArtifact embeds a signature into a package artifact and
	// returns the signed bytes.
	SignArtifact(ctx context.Context, artifact []byte) ([]byte, error)
	// SignDetached produces an armored detached signature over data.
	SignDetached(ctx context.Context, data []byte) ([]byte, error)
}
