package decrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"io"
	"strconv"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKey   = []byte("0123456789abcdef")
	testNonce = [BlockSize]byte{'n', 'o', 'n', 'c', 'e', '-', 'f', 'o', 'r', '-', 't', 'e', 0, 0, 0, 0}
)

// encrypt produces block padded ciphertext the way the server stores it.
func encrypt(t *testing.T, plain []byte) []byte {
	t.Helper()

	block, err := aes.NewCipher(testKey)
	require.NoError(t, err)

	padded := make([]byte, (len(plain)+BlockSize-1)/BlockSize*BlockSize)
	copy(padded, plain)

	out := make([]byte, len(padded))
	cipher.NewCTR(block, testNonce[:]).XORKeyStream(out, padded)

	return out
}

func decryptChunked(t *testing.T, d *Decryptor, ciphertext []byte, chunk int) []byte {
	t.Helper()

	var result []byte

	out := make([]byte, 64)

	for pos := 0; pos < len(ciphertext); {
		end := min(pos+chunk, len(ciphertext))
		in := ciphertext[pos:end]

		for len(in) > 0 {
			previousLeftover := d.leftoverSize
			consumed, produced := d.Decrypt(in, out)

			require.LessOrEqual(t, produced, consumed+previousLeftover)
			require.Less(t, d.leftoverSize, BlockSize)
			require.False(t, consumed == 0 && produced == 0, "decryptor made no progress")

			result = append(result, out[:produced]...)
			in = in[consumed:]
		}

		pos = end
	}

	return result
}

func TestDecrypt_RoundTripAnyChunking(t *testing.T) {
	plain := []byte(strings.Repeat("hello world, this is a gcode stream; ", 7) + "G1 X10")
	ciphertext := encrypt(t, plain)

	chunks := []int{1, 13, 16, 32, 37, len(ciphertext)}

	for _, chunk := range chunks {
		t.Run("chunk_"+strconv.Itoa(chunk), func(t *testing.T) {
			d, err := New(testKey, testNonce, 0, uint64(len(plain)))
			require.NoError(t, err)

			got := decryptChunked(t, d, ciphertext, chunk)

			assert.Equal(t, plain, got)
			assert.True(t, d.Done())
		})
	}
}

func TestDecrypt_HelloWorldScenario(t *testing.T) {
	plain := []byte("hello world, hello world, hello world, hello world!")
	require.GreaterOrEqual(t, len(plain), 48)

	ciphertext := encrypt(t, plain)

	d16, err := New(testKey, testNonce, 0, uint64(len(plain)))
	require.NoError(t, err)

	d1, err := New(testKey, testNonce, 0, uint64(len(plain)))
	require.NoError(t, err)

	by16 := decryptChunked(t, d16, ciphertext, 16)
	by1 := decryptChunked(t, d1, ciphertext, 1)

	assert.Equal(t, plain, by16)
	assert.Equal(t, by16, by1)
}

func TestDecrypt_ResumeFromOffset(t *testing.T) {
	plain := bytes.Repeat([]byte("0123456789"), 20)
	ciphertext := encrypt(t, plain)

	const offset = 3 * BlockSize

	d, err := New(testKey, testNonce, offset, uint64(len(plain)))
	require.NoError(t, err)

	got := decryptChunked(t, d, ciphertext[offset:], 7)

	assert.Equal(t, plain[offset:], got)
}

func TestNew_UnalignedOffset(t *testing.T) {
	_, err := New(testKey, testNonce, 17, 100)

	require.ErrorIs(t, err, ErrUnalignedOffset)
}

func TestNew_InvalidKey(t *testing.T) {
	_, err := New([]byte("short"), testNonce, 0, 100)

	require.Error(t, err)
}

func TestDecrypt_WaitsForOutputRoom(t *testing.T) {
	plain := bytes.Repeat([]byte{'x'}, 40)
	ciphertext := encrypt(t, plain)

	d, err := New(testKey, testNonce, 0, uint64(len(plain)))
	require.NoError(t, err)

	consumed, produced := d.Decrypt(ciphertext, make([]byte, 4))
	assert.Equal(t, 0, consumed)
	assert.Equal(t, 0, produced)

	out := make([]byte, BlockSize)
	consumed, produced = d.Decrypt(ciphertext, out)
	assert.Equal(t, BlockSize, consumed)
	assert.Equal(t, BlockSize, produced)
	assert.Equal(t, plain[:BlockSize], out)
}

func TestDecrypt_DropsPaddingOfLastBlock(t *testing.T) {
	plain := []byte("abc")
	ciphertext := encrypt(t, plain)
	require.Len(t, ciphertext, BlockSize)

	d, err := New(testKey, testNonce, 0, uint64(len(plain)))
	require.NoError(t, err)

	out := make([]byte, BlockSize)
	consumed, produced := d.Decrypt(ciphertext, out)

	assert.Equal(t, BlockSize, consumed)
	assert.Equal(t, 3, produced)
	assert.Equal(t, plain, out[:produced])
	assert.True(t, d.Done())

	consumed, produced = d.Decrypt([]byte("trailing"), out)
	assert.Equal(t, len("trailing"), consumed)
	assert.Equal(t, 0, produced)
}

func TestReader(t *testing.T) {
	plain := bytes.Repeat([]byte("G1 X1 Y2\n"), 1000)
	ciphertext := encrypt(t, plain)

	d, err := New(testKey, testNonce, 0, uint64(len(plain)))
	require.NoError(t, err)

	got, err := io.ReadAll(NewReader(iotest.OneByteReader(bytes.NewReader(ciphertext)), d))
	require.NoError(t, err)

	assert.Equal(t, plain, got)
}
