package pqs

import (
	"maps"

	"github.com/TheusHen/pqs/pqs/protocol"
	"github.com/fxamacker/cbor/v2"
)

// offerMetadata is carried CBOR-encoded in the key offer's metadata field.
type offerMetadata struct {
	Capabilities map[string]string `cbor:"1,keyasint,omitempty"`
}

func encodeMetadata(caps map[string]string) ([]byte, error) {
	if len(caps) == 0 {
		return nil, nil
	}
	b, err := cbor.Marshal(offerMetadata{Capabilities: caps})
	if err != nil {
		return nil, err
	}
	if len(b) > protocol.MaxMetadataSize {
		return nil, protocol.ErrDataTooLarge
	}
	return b, nil
}

// decodeMetadata accepts empty metadata as no capabilities.
func decodeMetadata(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return map[string]string{}, nil
	}
	var md offerMetadata
	if err := cbor.Unmarshal(b, &md); err != nil {
		return nil, err
	}
	caps := maps.Clone(md.Capabilities)
	if caps == nil {
		caps = map[string]string{}
	}
	return caps, nil
}
