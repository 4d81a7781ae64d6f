package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns prefix + "_" + 16 random hex chars, or just the hex when prefix is empty.
func NewID(prefix string) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	id := hex.EncodeToString(b[:])
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
