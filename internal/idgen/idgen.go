// Package idgen generates deterministic, collision-resistant client
// order ids for outbound broker orders: a sha256 digest of the
// canonical order fields gives a stable, auditable prefix, and a short
// crypto/rand nonce keeps retries of the same logical order from
// colliding on the broker side.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix constants tag an order's side for the Sync Engine's orphan
// cleanup.
const (
	PrefixEntry = "gekkoworks-entry"
	PrefixClose = "gekkoworks-close"
)

// ClientOrderID builds a deterministic client order id: prefix, an
// 8-hex digest of the canonical fields, and a 4-hex crypto/rand nonce.
// Fields are a stable, fixed-order list of strings (the digest depends
// on their order) that
// identify the logical order (symbol, expiration, strikes, quantity,
// limit price, account id); the same fields produce the same base
// across retries so duplicate submissions are detectable, while the
// nonce still lets each physical attempt get a distinct id.
func ClientOrderID(prefix string, fields ...string) string {
	base := Base(prefix, fields...)

	nonce := make([]byte, 2)
	if _, err := rand.Read(nonce); err != nil {
		// crypto/rand failure on a production kernel is itself a
		// programming-environment error; fall back to an all-zero
		// nonce rather than block order submission on it.
		return base + "-0000"
	}
	return base + "-" + hex.EncodeToString(nonce)
}

// Base returns the deterministic prefix+digest portion of a
// ClientOrderID for the given fields, without the per-attempt nonce.
// The Sync Engine recomputes it from a trade's own fields to match
// tagged broker orders back onto trades that lost their order link.
func Base(prefix string, fields ...string) string {
	canonical := prefix + "|" + strings.Join(fields, "|")
	digest := sha256.Sum256([]byte(canonical))
	return prefix + "-" + hex.EncodeToString(digest[:])[:8]
}

// HasPrefix reports whether a client order id was generated with the
// given prefix, used by the Sync Engine to recognize this engine's own
// orders among the broker's full order list.
func HasPrefix(clientOrderID, prefix string) bool {
	return strings.HasPrefix(clientOrderID, prefix+"-")
}
