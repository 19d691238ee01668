package model

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"
)

// cidPrefix is CIDv1 + dag-json codec (0x0129 varint) + sha2-256 multihash header.
var cidPrefix = []byte{0x01, 0xa9, 0x02, 0x12, 0x20}

var cidEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ComputeCID returns the base32 CIDv1 of the record bytes.
func ComputeCID(raw []byte) string {
	sum := sha256.Sum256(raw)
	buf := make([]byte, 0, len(cidPrefix)+len(sum))
	buf = append(buf, cidPrefix...)
	buf = append(buf, sum[:]...)
	return "b" + strings.ToLower(cidEncoding.EncodeToString(buf))
}
