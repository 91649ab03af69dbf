// Package helpers has small digest and formatting utilities shared by the
// build packages.
package helpers

import (
	"github.com/docker/go-units"
	"github.com/opencontainers/go-digest"
)

// ShortDigest shortens a digest for logging, e.g. sha256:0123456789ab
func ShortDigest(d digest.Digest) string {
	if d.Validate() != nil {
		return string(d)
	}
	enc := d.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}
	return d.Algorithm().String() + ":" + enc
}

// HumanSize formats a byte count for log messages.
func HumanSize(n int64) string {
	return units.HumanSize(float64(n))
}
