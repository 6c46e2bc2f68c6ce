package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multicodec"
	"github.com/multiformats/go-multihash"
)

// Scheme prefixes every content identifier string produced by the gateway.
const Scheme = "quarry"

// Hash is a 32-byte SHA-256 digest. Shard leaf hashes, tree nodes and
// manifest roots all use it; it is the join key between off-ledger storage
// and on-ledger state.
type Hash [sha256.Size]byte

// String renders the digest as lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("parsing string: %w", err)
	}
	raw, err := hex.DecodeString(str)
	if err != nil {
		return fmt.Errorf("decoding hex digest: %w", err)
	}
	if len(raw) != sha256.Size {
		return fmt.Errorf("digest must be %d bytes, got %d", sha256.Size, len(raw))
	}
	copy(h[:], raw)
	return nil
}

// Root is a manifest root hash with content-identifier encoding.
type Root Hash

// CID wraps the root in a raw-codec CIDv1 for interop with content-addressed
// tooling.
func (r Root) CID() cid.Cid {
	digest, err := multihash.Encode(r[:], multihash.SHA2_256)
	if err != nil {
		panic(err) // SHA2_256 over 32 bytes cannot fail to encode
	}
	return cid.NewCidV1(uint64(multicodec.Raw), digest)
}

// String renders the identifier as quarry://<base58btc multibase of the CID>.
func (r Root) String() string {
	str, err := r.CID().StringOfBase(multibase.Base58BTC)
	if err != nil {
		panic(err)
	}
	return Scheme + "://" + str
}

// ParseRoot decodes an identifier produced by String. A bare CID without the
// scheme prefix is accepted too.
func ParseRoot(s string) (Root, error) {
	s = strings.TrimPrefix(s, Scheme+"://")
	c, err := cid.Decode(s)
	if err != nil {
		return Root{}, fmt.Errorf("%w: parsing identifier: %v", ErrMalformedInput, err)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return Root{}, fmt.Errorf("%w: decoding multihash: %v", ErrMalformedInput, err)
	}
	if decoded.Code != multihash.SHA2_256 || len(decoded.Digest) != sha256.Size {
		return Root{}, fmt.Errorf("%w: identifier digest must be sha2-256", ErrMalformedInput)
	}
	var r Root
	copy(r[:], decoded.Digest)
	return r, nil
}

func (r Root) MarshalJSON() ([]byte, error) {
	if r == (Root{}) {
		return json.Marshal("")
	}
	return json.Marshal(r.String())
}

func (r *Root) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("parsing string: %w", err)
	}
	if str == "" {
		return nil
	}
	root, err := ParseRoot(str)
	if err != nil {
		return err
	}
	*r = root
	return nil
}

// Error is a string-marshalled error for CSV/JSON audit records.
type Error struct {
	Message string
}

func (e Error) Error() string {
	return e.Message
}

func (e Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Message)
}

func (e *Error) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return nil
	}
	*e = Error{str}
	return nil
}
