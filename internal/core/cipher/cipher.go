// Package cipher implements the TQ-variant CAST5 stream cipher used to
// encrypt/decrypt frames once a connection's handshake has produced a
// session key (spec §4.1).
//
// The block cipher itself is golang.org/x/crypto/cast5 (CAST-128, 8-byte
// blocks); this package wraps it in an 8-bit CFB feedback mode so that
// arbitrary-length byte ranges can be encrypted/decrypted incrementally
// across calls without re-keying — required because PacketCodec may hand
// the cipher less than one full frame's worth of bytes at a time and the
// chain state must carry over exactly where the previous call left off.
package cipher

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/crypto/cast5"
)

// blockSize is the CAST5 block size (8 bytes), also the CFB register size.
const blockSize = cast5.BlockSize

// direction holds one direction's independent key and chain state.
// Kept separate per direction (rather than guarded by a shared mutex) so
// encrypt and decrypt progress independently under concurrent receive-pump
// and send-pump access, per spec §5.
type direction struct {
	block    *cast5.Cipher
	register [blockSize]byte
}

func newDirection(key []byte) (*direction, error) {
	block, err := cast5.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cast5 key schedule: %w", err)
	}
	return &direction{block: block}, nil
}

func (d *direction) reset() {
	d.register = [blockSize]byte{}
}

// process runs 8-bit CFB over data in-place semantics: out[i] is derived
// from in[i] and the evolving register, which is fed back with the
// ciphertext byte regardless of direction.
func (d *direction) process(in, out []byte, decrypting bool) {
	var keystream [blockSize]byte
	for i := range in {
		// CFB keystream is always the block cipher's forward transform of
		// the register, for both encrypt and decrypt directions.
		d.block.Encrypt(keystream[:], d.register[:])

		var cipherByte, plainByte byte
		if decrypting {
			cipherByte = in[i]
			plainByte = cipherByte ^ keystream[0]
			out[i] = plainByte
		} else {
			plainByte = in[i]
			cipherByte = plainByte ^ keystream[0]
			out[i] = cipherByte
		}

		copy(d.register[:blockSize-1], d.register[1:])
		d.register[blockSize-1] = cipherByte
	}
}

// Cipher is a per-connection CAST5-variant stream cipher with independent
// encrypt/decrypt state, matching spec §4.1 (generate_key/encrypt/decrypt/
// reset/initialized).
type Cipher struct {
	enc         *direction
	dec         *direction
	initialized atomic.Bool
}

// New constructs a Cipher keyed with seed (the fixed ASCII seed key before
// the handshake completes, or a derived session key). The returned cipher
// is immediately initialized: the seed key is "in effect" from construction,
// matching spec §4.1 ("the initial seed ... is in effect" before Connected).
func New(seed []byte) (*Cipher, error) {
	c := &Cipher{}
	if err := c.GenerateKey(seed); err != nil {
		return nil, err
	}
	c.initialized.Store(true)
	return c, nil
}

// GenerateKey rekeys both directions from key. Each direction is replaced by
// a freshly keyed one whose chain register starts zeroed, so the previous
// chain position does not carry over; per spec §4.1 the caller still
// invokes Reset() immediately afterward. GenerateKey does not change the
// Initialized flag.
func (c *Cipher) GenerateKey(key []byte) error {
	enc, err := newDirection(key)
	if err != nil {
		return err
	}
	dec, err := newDirection(key)
	if err != nil {
		return err
	}
	c.enc = enc
	c.dec = dec
	return nil
}

// Reset clears both directions' chain state (register), per spec §4.1.
func (c *Cipher) Reset() {
	if c.enc != nil {
		c.enc.reset()
	}
	if c.dec != nil {
		c.dec.reset()
	}
	c.initialized.Store(true)
}

// Initialized reports whether the cipher has been keyed at least once.
func (c *Cipher) Initialized() bool {
	return c.initialized.Load()
}

// Zero clears both directions' chain state and drops the keyed block
// ciphers, called during connection cleanup so session key material doesn't
// linger in a pooled/reused Cipher.
func (c *Cipher) Zero() {
	if c.enc != nil {
		c.enc.reset()
		c.enc.block = nil
	}
	if c.dec != nil {
		c.dec.reset()
		c.dec.block = nil
	}
	c.initialized.Store(false)
}

// Encrypt encrypts in into out. len(in) must equal len(out); a mismatch is
// a programmer bug, not a recoverable error, per spec §4.1.
func (c *Cipher) Encrypt(in, out []byte) {
	if len(in) != len(out) {
		panic("cipher: Encrypt requires len(in) == len(out)")
	}
	if c.enc == nil {
		panic("cipher: Encrypt called before GenerateKey")
	}
	c.enc.process(in, out, false)
}

// Decrypt decrypts in into out. len(in) must equal len(out); a mismatch is
// a programmer bug, not a recoverable error, per spec §4.1.
func (c *Cipher) Decrypt(in, out []byte) {
	if len(in) != len(out) {
		panic("cipher: Decrypt requires len(in) == len(out)")
	}
	if c.dec == nil {
		panic("cipher: Decrypt called before GenerateKey")
	}
	c.dec.process(in, out, true)
}
