package core

// signature.go – chain-specific signature verification. The signature always
// covers the canonical signing payload ({sender, chain, type, item_hash},
// sorted keys, no whitespace); what differs per chain is the curve, the
// digest and how the sender address binds to the recovered public key.

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/ripemd160"
)

// VerifyEnvelopeSignature dispatches to the scheme the envelope's chain uses.
// secp256k1 for ETH / BNB / NULS2 / CSDK, ed25519 for SOL / DOT / TEZOS.
func VerifyEnvelopeSignature(env *MessageEnvelope) error {
	payload := env.SigningPayload()
	switch env.Chain {
	case ChainETH, ChainBNB:
		return verifyEthereum(env.Sender, env.Signature, payload)
	case ChainNULS2:
		return verifyNuls2(env.Sender, env.Signature, payload)
	case ChainCSDK:
		return verifyCosmos(env.Sender, env.Signature, payload)
	case ChainSOL:
		return verifySolana(env.Sender, env.Signature, payload)
	case ChainDOT:
		return verifySubstrate(env.Sender, env.Signature, payload)
	case ChainTezos:
		return verifyTezos(env.Sender, env.Signature, payload)
	}
	return fmt.Errorf("%w: %q", ErrUnknownChain, env.Chain)
}

//---------------------------------------------------------------------
// Ethereum family – EIP-191 personal message, recoverable secp256k1
//---------------------------------------------------------------------

func verifyEthereum(sender, signature string, payload []byte) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: bad ethereum signature encoding", ErrBadSignature)
	}
	// Accept both the raw {0,1} and the legacy {27,28} recovery id.
	if sig[64] >= 27 {
		sig = append(bytes.Clone(sig[:64]), sig[64]-27)
	}
	digest := personalHash(payload)
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), sender) {
		return fmt.Errorf("%w: recovered %s, sender %s", ErrBadSignature, recovered.Hex(), sender)
	}
	return nil
}

// personalHash applies the "\x19Ethereum Signed Message:\n" prefix.
func personalHash(payload []byte) []byte {
	prefixed := fmt.Appendf(nil, "\x19Ethereum Signed Message:\n%d%s", len(payload), payload)
	return crypto.Keccak256(prefixed)
}

//---------------------------------------------------------------------
// NULS2 – secp256k1 with the compressed public key carried in the signature
//---------------------------------------------------------------------

// nulsChainID and nulsAddressType are the mainnet account constants.
const (
	nulsChainID     uint16 = 1
	nulsAddressType byte   = 1
)

func verifyNuls2(sender, signature string, payload []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(raw) != 33+64 {
		return fmt.Errorf("%w: bad nuls2 signature encoding", ErrBadSignature)
	}
	pubkey, sig := raw[:33], raw[33:]
	digest := sha256.Sum256(payload)
	if !crypto.VerifySignature(pubkey, digest[:], sig) {
		return ErrBadSignature
	}
	if nulsAddress(pubkey) != sender {
		return fmt.Errorf("%w: public key does not match sender", ErrBadSignature)
	}
	return nil
}

// nulsAddress derives the base58 account string:
// chain_id (LE16) || type || ripemd160(sha256(pubkey)), with a trailing XOR byte.
func nulsAddress(pubkey []byte) string {
	sum := sha256.Sum256(pubkey)
	rmd := ripemd160.New()
	rmd.Write(sum[:])
	body := make([]byte, 0, 24)
	body = binary.LittleEndian.AppendUint16(body, nulsChainID)
	body = append(body, nulsAddressType)
	body = append(body, rmd.Sum(nil)...)
	var xor byte
	for _, b := range body {
		xor ^= b
	}
	return base58.Encode(append(body, xor))
}

//---------------------------------------------------------------------
// Cosmos SDK – ADR-036 arbitrary message sign doc
//---------------------------------------------------------------------

type cosmosSignature struct {
	Signature string `json:"signature"`
	PubKey    struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"pub_key"`
}

func verifyCosmos(sender, signature string, payload []byte) error {
	var cs cosmosSignature
	if err := json.Unmarshal([]byte(signature), &cs); err != nil {
		return fmt.Errorf("%w: bad cosmos signature encoding", ErrBadSignature)
	}
	pubkey, err := base64.StdEncoding.DecodeString(cs.PubKey.Value)
	if err != nil || len(pubkey) != 33 {
		return fmt.Errorf("%w: bad cosmos public key", ErrBadSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(cs.Signature)
	if err != nil || len(sig) != 64 {
		return fmt.Errorf("%w: bad cosmos signature", ErrBadSignature)
	}
	doc := cosmosSignDoc(sender, payload)
	digest := sha256.Sum256(doc)
	if !crypto.VerifySignature(pubkey, digest[:], sig) {
		return ErrBadSignature
	}
	hrp, _, ok := strings.Cut(sender, "1")
	if !ok {
		return fmt.Errorf("%w: sender is not bech32", ErrBadSignature)
	}
	sum := sha256.Sum256(pubkey)
	rmd := ripemd160.New()
	rmd.Write(sum[:])
	derived, err := bech32Encode(hrp, rmd.Sum(nil))
	if err != nil || derived != sender {
		return fmt.Errorf("%w: public key does not match sender", ErrBadSignature)
	}
	return nil
}

// cosmosSignDoc builds the ADR-036 MsgSignData document with canonical field
// order and empty fee/memo, as wallets produce for offline signing.
func cosmosSignDoc(signer string, payload []byte) []byte {
	data := base64.StdEncoding.EncodeToString(payload)
	return fmt.Appendf(nil,
		`{"account_number":"0","chain_id":"","fee":{"amount":[],"gas":"0"},"memo":"",`+
			`"msgs":[{"type":"sign/MsgSignData","value":{"data":%s,"signer":%s}}],"sequence":"0"}`,
		jsonString(data), jsonString(signer))
}

//---------------------------------------------------------------------
// Solana – ed25519, base58 sender is the public key
//---------------------------------------------------------------------

func verifySolana(sender, signature string, payload []byte) error {
	pubkey, err := base58.Decode(sender)
	if err != nil || len(pubkey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad solana sender", ErrBadSignature)
	}
	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bad solana signature", ErrBadSignature)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubkey), payload, sig) {
		return ErrBadSignature
	}
	return nil
}

//---------------------------------------------------------------------
// Substrate – ed25519 over the payload, SS58 sender
//---------------------------------------------------------------------

var ss58Prefix = []byte("SS58PRE")

func verifySubstrate(sender, signature string, payload []byte) error {
	decoded, err := base58.Decode(sender)
	if err != nil || len(decoded) != 35 {
		return fmt.Errorf("%w: bad ss58 sender", ErrBadSignature)
	}
	body, checksum := decoded[:33], decoded[33:]
	h, err := blake2b.New512(nil)
	if err != nil {
		return err
	}
	h.Write(ss58Prefix)
	h.Write(body)
	if !bytes.Equal(h.Sum(nil)[:2], checksum) {
		return fmt.Errorf("%w: ss58 checksum mismatch", ErrBadSignature)
	}
	pubkey := body[1:]
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bad substrate signature", ErrBadSignature)
	}
	// Raw payloads are framed before signing so they cannot collide with
	// transaction encodings.
	framed := fmt.Appendf(nil, "<Bytes>%s</Bytes>", payload)
	if !ed25519.Verify(ed25519.PublicKey(pubkey), framed, sig) {
		return ErrBadSignature
	}
	return nil
}

//---------------------------------------------------------------------
// Tezos – ed25519 with base58check-wrapped key material
//---------------------------------------------------------------------

var (
	tzEdpkPrefix  = []byte{0x0d, 0x0f, 0x25, 0xd9} // edpk
	tzEdsigPrefix = []byte{0x09, 0xf5, 0xcd, 0x86, 0x12}
	tzTz1Prefix   = []byte{0x06, 0xa1, 0x9f}
)

type tezosSignature struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

func verifyTezos(sender, signature string, payload []byte) error {
	var ts tezosSignature
	if err := json.Unmarshal([]byte(signature), &ts); err != nil {
		return fmt.Errorf("%w: bad tezos signature encoding", ErrBadSignature)
	}
	pubkey, err := base58CheckDecode(ts.PublicKey, tzEdpkPrefix)
	if err != nil || len(pubkey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad tezos public key", ErrBadSignature)
	}
	sig, err := base58CheckDecode(ts.Signature, tzEdsigPrefix)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: bad tezos signature", ErrBadSignature)
	}
	keyHash, err := blake2b160(pubkey)
	if err != nil {
		return err
	}
	if base58CheckEncode(keyHash, tzTz1Prefix) != sender {
		return fmt.Errorf("%w: public key does not match sender", ErrBadSignature)
	}
	digest := blake2b.Sum256(payload)
	if !ed25519.Verify(ed25519.PublicKey(pubkey), digest[:], sig) {
		return ErrBadSignature
	}
	return nil
}

func blake2b160(b []byte) ([]byte, error) {
	h, err := blake2b.New(20, nil)
	if err != nil {
		return nil, err
	}
	h.Write(b)
	return h.Sum(nil), nil
}

//---------------------------------------------------------------------
// base58check
//---------------------------------------------------------------------

func base58CheckEncode(payload, prefix []byte) string {
	full := append(bytes.Clone(prefix), payload...)
	first := sha256.Sum256(full)
	second := sha256.Sum256(first[:])
	return base58.Encode(append(full, second[:4]...))
}

func base58CheckDecode(s string, prefix []byte) ([]byte, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, err
	}
	if len(raw) < len(prefix)+4 {
		return nil, fmt.Errorf("base58check: too short")
	}
	body, checksum := raw[:len(raw)-4], raw[len(raw)-4:]
	first := sha256.Sum256(body)
	second := sha256.Sum256(first[:])
	if !bytes.Equal(second[:4], checksum) {
		return nil, fmt.Errorf("base58check: checksum mismatch")
	}
	if !bytes.HasPrefix(body, prefix) {
		return nil, fmt.Errorf("base58check: wrong prefix")
	}
	return body[len(prefix):], nil
}

//---------------------------------------------------------------------
// bech32 (encode only – enough to bind a Cosmos pubkey to its address)
//---------------------------------------------------------------------

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func bech32Encode(hrp string, data []byte) (string, error) {
	conv, err := bech32ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", err
	}
	values := append(bech32HrpExpand(hrp), conv...)
	polymod := bech32Polymod(append(values, 0, 0, 0, 0, 0, 0)) ^ 1
	var sb strings.Builder
	sb.WriteString(hrp)
	sb.WriteByte('1')
	for _, v := range conv {
		sb.WriteByte(bech32Charset[v])
	}
	for i := 0; i < 6; i++ {
		sb.WriteByte(bech32Charset[(polymod>>uint(5*(5-i)))&31])
	}
	return sb.String(), nil
}

func bech32HrpExpand(hrp string) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]>>5)
	}
	out = append(out, 0)
	for i := 0; i < len(hrp); i++ {
		out = append(out, hrp[i]&31)
	}
	return out
}

func bech32Polymod(values []byte) uint32 {
	gen := [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32ConvertBits(data []byte, from, to uint, pad bool) ([]byte, error) {
	var acc uint32
	var bits uint
	maxv := uint32(1<<to) - 1
	out := make([]byte, 0, len(data)*int(from)/int(to)+1)
	for _, b := range data {
		acc = acc<<from | uint32(b)
		bits += from
		for bits >= to {
			bits -= to
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad && bits > 0 {
		out = append(out, byte(acc<<(to-bits)&maxv))
	} else if !pad && (bits >= from || acc<<(to-bits)&maxv != 0) {
		return nil, fmt.Errorf("bech32: invalid padding")
	}
	return out, nil
}

// SignEthereum produces the hex signature an ETH-family wallet would emit
// for the canonical payload. Exported for tooling and tests.
func SignEthereum(privHex string, payload []byte) (string, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privHex, "0x"))
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(personalHash(payload), key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}
