package cipher

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	lengths := []int{0, 1, 7, 8, 9, 16, 17, 100, 1024}

	for _, n := range lengths {
		plain := make([]byte, n)
		_, err := rand.Read(plain)
		require.NoError(t, err)

		enc, err := New([]byte("R3Xx97ra5j8D6uZz"))
		require.NoError(t, err)
		dec, err := New([]byte("R3Xx97ra5j8D6uZz"))
		require.NoError(t, err)

		cipherText := make([]byte, n)
		enc.Encrypt(plain, cipherText)

		plainOut := make([]byte, n)
		dec.Decrypt(cipherText, plainOut)

		require.True(t, bytes.Equal(plain, plainOut), "length %d round-trip mismatch", n)
	}
}

func TestEncryptAcrossMultipleCallsMatchesSingleCall(t *testing.T) {
	key := []byte("R3Xx97ra5j8D6uZz")
	plain := make([]byte, 37)
	_, err := rand.Read(plain)
	require.NoError(t, err)

	whole, err := New(key)
	require.NoError(t, err)
	wholeOut := make([]byte, len(plain))
	whole.Encrypt(plain, wholeOut)

	split, err := New(key)
	require.NoError(t, err)
	splitOut := make([]byte, len(plain))
	split.Encrypt(plain[:5], splitOut[:5])
	split.Encrypt(plain[5:20], splitOut[5:20])
	split.Encrypt(plain[20:], splitOut[20:])

	require.Equal(t, wholeOut, splitOut)
}

func TestGenerateKeyThenResetStartsFreshChain(t *testing.T) {
	c, err := New([]byte("R3Xx97ra5j8D6uZz"))
	require.NoError(t, err)

	plain := []byte("hello world, this is a test frame payload")
	scratch := make([]byte, len(plain))
	c.Encrypt(plain, scratch)

	sessionKey := []byte("0123456789ABCDEF")
	require.NoError(t, c.GenerateKey(sessionKey))
	c.Reset()
	require.True(t, c.Initialized())

	other, err := New(sessionKey)
	require.NoError(t, err)
	out1 := make([]byte, len(plain))
	out2 := make([]byte, len(plain))
	c.Encrypt(plain, out1)
	other.Encrypt(plain, out2)
	require.Equal(t, out1, out2, "rekey+reset must behave like a fresh cipher on that key")
}

func TestInitializedFlag(t *testing.T) {
	c, err := New([]byte("R3Xx97ra5j8D6uZz"))
	require.NoError(t, err)
	require.True(t, c.Initialized())
}

func TestEncryptDecryptPanicOnLengthMismatch(t *testing.T) {
	c, err := New([]byte("R3Xx97ra5j8D6uZz"))
	require.NoError(t, err)

	require.Panics(t, func() {
		c.Encrypt(make([]byte, 4), make([]byte, 5))
	})
	require.Panics(t, func() {
		c.Decrypt(make([]byte, 4), make([]byte, 5))
	})
}

func BenchmarkEncrypt1024(b *testing.B) {
	c, _ := New([]byte("R3Xx97ra5j8D6uZz"))
	in := make([]byte, 1024)
	out := make([]byte, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Encrypt(in, out)
	}
}
