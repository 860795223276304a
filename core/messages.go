package core

// messages.go – envelope shape validation, canonical signing payload and
// item-hash verification. Validation happens at the boundary; the pipeline
// only ever sees envelopes that passed these checks.

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// MaxInlineContentLength bounds inline item_content (bytes).
const MaxInlineContentLength = 200 * 1024

var (
	ErrBadEnvelope   = errors.New("malformed message envelope")
	ErrHashMismatch  = errors.New("item hash does not match content")
	ErrOversized     = errors.New("inline content exceeds size limit")
	ErrBadSignature  = errors.New("signature verification failed")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrUnknownChain  = errors.New("unsupported chain")
	ErrNotFound      = errors.New("not found")
)

var knownChains = map[ChainID]struct{}{
	ChainETH: {}, ChainBNB: {}, ChainNULS2: {}, ChainTezos: {},
	ChainCSDK: {}, ChainSOL: {}, ChainDOT: {},
}

var knownTypes = map[MsgType]struct{}{
	MsgAggregate: {}, MsgPost: {}, MsgStore: {}, MsgForget: {}, MsgProgram: {},
}

// ValidateEnvelope enforces the wire-format contract: known enums, required
// fields, hash shape and the inline size limit. A failure here is permanent.
func ValidateEnvelope(env *MessageEnvelope) error {
	if env == nil {
		return ErrBadEnvelope
	}
	if _, ok := knownChains[env.Chain]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChain, env.Chain)
	}
	if _, ok := knownTypes[env.Type]; !ok {
		return fmt.Errorf("%w: unknown type %q", ErrBadEnvelope, env.Type)
	}
	if env.Sender == "" || env.ItemHash == "" || env.Signature == "" {
		return fmt.Errorf("%w: missing required field", ErrBadEnvelope)
	}
	if env.Time <= 0 {
		return fmt.Errorf("%w: non-positive time", ErrBadEnvelope)
	}
	switch env.ItemType {
	case ItemInline:
		if env.ItemContent == "" {
			return fmt.Errorf("%w: inline item without content", ErrBadEnvelope)
		}
		if len(env.ItemContent) > MaxInlineContentLength {
			return ErrOversized
		}
		if !isHexHash(env.ItemHash) {
			return fmt.Errorf("%w: inline item_hash must be sha256 hex", ErrBadEnvelope)
		}
	case ItemStorage:
		if !isHexHash(env.ItemHash) {
			return fmt.Errorf("%w: storage item_hash must be sha256 hex", ErrBadEnvelope)
		}
	case ItemIPFS:
		if !isCIDv0(env.ItemHash) {
			return fmt.Errorf("%w: ipfs item_hash must be a CIDv0", ErrBadEnvelope)
		}
	default:
		return fmt.Errorf("%w: unknown item_type %q", ErrBadEnvelope, env.ItemType)
	}
	return nil
}

// SigningPayload is the canonical encoding the signature covers:
// {sender, chain, type, item_hash} with sorted keys and no whitespace.
func (env *MessageEnvelope) SigningPayload() []byte {
	return fmt.Appendf(nil, `{"chain":%s,"item_hash":%s,"sender":%s,"type":%s}`,
		jsonString(string(env.Chain)), jsonString(env.ItemHash),
		jsonString(env.Sender), jsonString(string(env.Type)))
}

// VerifyItemHash checks that content matches the envelope's item_hash under
// the addressing scheme implied by item_type.
func (env *MessageEnvelope) VerifyItemHash(content []byte) error {
	switch env.ItemType {
	case ItemInline, ItemStorage:
		if HashBytes(content) != env.ItemHash {
			return ErrHashMismatch
		}
	case ItemIPFS:
		c, err := cidV0Of(content)
		if err != nil || c != env.ItemHash {
			return ErrHashMismatch
		}
	}
	return nil
}

// ParseContent decodes raw content into the typed payload for the given
// message type. The address field is mandatory for every type.
func ParseContent(t MsgType, raw []byte) (any, error) {
	switch t {
	case MsgAggregate:
		var c AggregateContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if c.Address == "" || c.Key == "" {
			return nil, fmt.Errorf("%w: aggregate needs address and key", ErrBadEnvelope)
		}
		return &c, nil
	case MsgPost:
		var c PostContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if c.Address == "" {
			return nil, fmt.Errorf("%w: post needs address", ErrBadEnvelope)
		}
		return &c, nil
	case MsgStore:
		var c StoreContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if c.Address == "" || c.ItemHash == "" {
			return nil, fmt.Errorf("%w: store needs address and item_hash", ErrBadEnvelope)
		}
		if c.ItemType != ItemStorage && c.ItemType != ItemIPFS {
			return nil, fmt.Errorf("%w: store item_type %q", ErrBadEnvelope, c.ItemType)
		}
		return &c, nil
	case MsgForget:
		var c ForgetContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if c.Address == "" || (len(c.Hashes) == 0 && len(c.Aggregates) == 0) {
			return nil, fmt.Errorf("%w: forget needs address and targets", ErrBadEnvelope)
		}
		return &c, nil
	case MsgProgram:
		var c ProgramContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if c.Address == "" {
			return nil, fmt.Errorf("%w: program needs address", ErrBadEnvelope)
		}
		return &c, nil
	}
	return nil, fmt.Errorf("%w: no parser for %q", ErrBadEnvelope, t)
}

// ContentAddress extracts the address field of an already-parsed content.
func ContentAddress(content any) string {
	switch c := content.(type) {
	case *AggregateContent:
		return c.Address
	case *PostContent:
		return c.Address
	case *StoreContent:
		return c.Address
	case *ForgetContent:
		return c.Address
	case *ProgramContent:
		return c.Address
	}
	return ""
}

//---------------------------------------------------------------------
// Hash helpers
//---------------------------------------------------------------------

// HashBytes returns the lowercase hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func isHexHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func isCIDv0(s string) bool {
	c, err := cid.Decode(s)
	if err != nil {
		return false
	}
	return c.Version() == 0
}

func cidV0Of(data []byte) (string, error) {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV0(sum).String(), nil
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
