package guard

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"

	"lukechampine.com/blake3"
)

// Fingerprint digests an ordered list of request fields into a stable hex
// string. Each part is length-delimited before hashing so that shifting
// bytes between adjacent parts always changes the digest.
func Fingerprint(parts ...string) string {
	buf := bytes.NewBuffer(nil)
	for _, part := range parts {
		data := []byte(part)
		if err := binary.Write(buf, binary.BigEndian, uint32(len(data))); err != nil {
			return ""
		}
		buf.Write(data)
	}
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// MintOperationKey derives the duplicate-detection key for a mint request.
// Two mints by the same creator for the same metadata collapse onto one key;
// address casing is normalised so checksummed and lowercase forms agree.
func MintOperationKey(creator, metadataURI string) string {
	return "mint:" + Fingerprint(strings.ToLower(strings.TrimSpace(creator)), strings.TrimSpace(metadataURI))
}

// ClaimOperationKey derives the duplicate-detection key for a claim of the
// given token.
func ClaimOperationKey(tokenID string) string {
	return "claim:" + strings.TrimSpace(tokenID)
}

// ReturnOperationKey derives the duplicate-detection key for a return of the
// given token.
func ReturnOperationKey(tokenID string) string {
	return "return:" + strings.TrimSpace(tokenID)
}
