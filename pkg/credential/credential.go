// Package credential obtains short-lived, single-use signed URLs that
// authorize one upload of an artifact key.
package credential

import "context"

// Signer returns a signed transfer URL for a remote object key.
type Signer interface {
	// SignUpload returns a URL valid for a single PUT of key.
	SignUpload(ctx context.Context, key string) (string, error)
}

// Identity is the device identity presented to the identity service.
type Identity struct {
	DongleID     string
	DongleSecret string
}
