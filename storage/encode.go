package storage

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ArtifactEncoding defines the encoding formats for stored artifacts.
type ArtifactEncoding int

const (
	// ArtifactEncodingCBOR is the CBOR encoding format (default).
	ArtifactEncodingCBOR ArtifactEncoding = iota
	// ArtifactEncodingJSON is the JSON encoding format, used for debugging.
	ArtifactEncodingJSON
)

// EncodeArtifact encodes an artifact in the specified format, CBOR when none
// is given.
func EncodeArtifact(a any, encoding ...ArtifactEncoding) ([]byte, error) {
	if len(encoding) > 0 && encoding[0] == ArtifactEncodingJSON {
		return json.Marshal(a)
	}
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return em.Marshal(a)
}

// DecodeArtifact decodes an artifact from the specified format, CBOR when
// none is given.
func DecodeArtifact(data []byte, out any, encoding ...ArtifactEncoding) error {
	if len(encoding) > 0 && encoding[0] == ArtifactEncodingJSON {
		return json.Unmarshal(data, out)
	}
	return cbor.Unmarshal(data, out)
}
