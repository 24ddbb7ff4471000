package domain

import "time"

// SigningKeypair is a persisted, versioned RSA keypair. Only one version is
// active for signing at a time; every version stays available for verifying
// envelopes sealed while it was active.
type SigningKeypair struct {
	Version    int
	PrivatePEM []byte
	Active     bool
	CreatedAt  time.Time
}
