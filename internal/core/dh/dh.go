// Package dh implements the Diffie-Hellman key exchange used to establish
// a connection's session key (spec §4.2). Modular exponentiation uses
// math/big, the same approach the teacher repo's RSA key exchange
// (internal/crypto/rsa.go) uses for its own big-integer arithmetic.
package dh

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/tqserver/core/internal/core/packet"
)

// Session key length delivered to the cipher (spec §4.1 expects a CAST5 key;
// 16 bytes is the CAST5 maximum/standard key size).
const sessionKeyLen = 16

// Exchange holds one connection's DH key-exchange state: the process-wide
// P/G parameters, this side's ephemeral keypair, and (once received) the
// peer's public key.
type Exchange struct {
	p *big.Int
	g *big.Int

	priv *big.Int
	pub  *big.Int

	clientPub *big.Int
}

// New creates an Exchange for the given process-wide P and G parameters,
// generating a fresh ephemeral private key and deriving the public key
// g^priv mod p.
func New(p, g *big.Int) (*Exchange, error) {
	if p == nil || g == nil {
		return nil, fmt.Errorf("dh: P and G must be non-nil")
	}

	// Private exponent drawn uniformly from [2, P-2].
	upperBound := new(big.Int).Sub(p, big.NewInt(3))
	priv, err := rand.Int(rand.Reader, upperBound)
	if err != nil {
		return nil, fmt.Errorf("dh: generating private key: %w", err)
	}
	priv.Add(priv, big.NewInt(2))

	pub := new(big.Int).Exp(g, priv, p)

	return &Exchange{
		p:    p,
		g:    g,
		priv: priv,
		pub:  pub,
	}, nil
}

// ParseParameters parses P (hex) and G (decimal), as loaded from
// config.DHParameters.
func ParseParameters(pHex, gDecimal string) (p, g *big.Int, err error) {
	p, ok := new(big.Int).SetString(pHex, 16)
	if !ok {
		return nil, nil, fmt.Errorf("dh: invalid P parameter %q", pHex)
	}
	g, ok = new(big.Int).SetString(gDecimal, 10)
	if !ok {
		return nil, nil, fmt.Errorf("dh: invalid G parameter %q", gDecimal)
	}
	return p, g, nil
}

// CreateKeyExchangePacket builds the server's first frame: a header-compliant
// Packet carrying P, G, and the server's public key as ASCII hex at fixed
// offsets, per spec §4.2. The returned bytes are the complete frame (still
// awaiting seed-key encryption by the caller, per spec §6 handshake step 1).
func (e *Exchange) CreateKeyExchangePacket(packetType uint16) ([]byte, error) {
	pHex := e.p.Text(16)
	gHex := e.g.Text(16)
	pubHex := e.pub.Text(16)

	p := packet.NewForWrite(packetType, 256)
	if err := writeLenPrefixedHex(p, pHex); err != nil {
		return nil, err
	}
	if err := writeLenPrefixedHex(p, gHex); err != nil {
		return nil, err
	}
	if err := writeLenPrefixedHex(p, pubHex); err != nil {
		return nil, err
	}

	return p.Build(packetType), nil
}

func writeLenPrefixedHex(p *packet.Packet, hex string) error {
	if err := p.WriteUint32(uint32(len(hex))); err != nil {
		return err
	}
	return p.WriteBytes([]byte(hex))
}

// HandleClientResponse ingests the client's public key, extracted by the
// caller via Packet.TryExtractDHKey (spec §4.3), as an ASCII hex string.
func (e *Exchange) HandleClientResponse(clientPublicHex string) error {
	if clientPublicHex == "" {
		return fmt.Errorf("dh: empty client public key")
	}
	clientPub, ok := new(big.Int).SetString(clientPublicHex, 16)
	if !ok {
		return fmt.Errorf("dh: malformed client public key %q", clientPublicHex)
	}
	if clientPub.Sign() <= 0 || clientPub.Cmp(e.p) >= 0 {
		return fmt.Errorf("dh: client public key out of range")
	}
	e.clientPub = clientPub
	return nil
}

// DeriveEncryptionKey computes the shared secret clientPub^priv mod p and
// returns it as a fixed-length key suitable for Cipher.GenerateKey.
// HandleClientResponse must have been called first.
func (e *Exchange) DeriveEncryptionKey() ([]byte, error) {
	if e.clientPub == nil {
		return nil, fmt.Errorf("dh: client public key not yet received")
	}

	shared := new(big.Int).Exp(e.clientPub, e.priv, e.p)
	raw := shared.Bytes()

	key := make([]byte, sessionKeyLen)
	if len(raw) >= sessionKeyLen {
		copy(key, raw[len(raw)-sessionKeyLen:])
	} else {
		copy(key[sessionKeyLen-len(raw):], raw)
	}
	return key, nil
}

// PublicKeyHex returns this side's public key as hex, mainly for tests.
func (e *Exchange) PublicKeyHex() string {
	return e.pub.Text(16)
}
