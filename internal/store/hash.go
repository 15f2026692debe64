package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/vitaminmoo/thxc-tool/internal/state"
)

// ContentHash computes a content-addressable hash for a device state.
// The state is normalized first, so "#FFFFFF" and "#ffffff" or two chord
// maps built in different orders hash the same.
func ContentHash(s state.DeviceState) (string, error) {
	data, err := canonicalJSON(s)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:]), nil
}

// canonicalJSON is the stored form of a preset. encoding/json sorts map keys,
// which makes the output stable.
func canonicalJSON(s state.DeviceState) ([]byte, error) {
	data, err := json.Marshal(state.Normalize(s))
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

// ShortHash returns a shortened version of the hash for display purposes.
func ShortHash(fullHash string) string {
	// Remove "sha256:" prefix and take first 12 chars
	if len(fullHash) > 19 {
		return fullHash[7:19]
	}
	return fullHash
}
