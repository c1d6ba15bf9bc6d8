// Package decrypt implements streaming AES-CTR decryption of downloaded files.
//
// The ciphertext is padded to whole cipher blocks. The decryptor accepts it in
// arbitrarily sized chunks, keeps the incomplete block between calls and drops
// the padding of the last block.
package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// BlockSize is the size of a single cipher block.
	BlockSize = aes.BlockSize

	// CtrCounterSize is the number of low nonce bytes holding the block index.
	CtrCounterSize = 4
)

// ErrUnalignedOffset is returned when decryption is asked to start mid-block.
var ErrUnalignedOffset = errors.New("offset is not aligned to the cipher block size")

// noCopy makes go vet complain about copies of the Decryptor.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Decryptor holds the state of one decrypted stream. It must not be copied,
// the leftover block and counter would diverge between the copies.
type Decryptor struct {
	noCopy noCopy

	block      cipher.Block
	nonce      [BlockSize]byte
	blockIndex uint32

	leftover     [BlockSize]byte
	leftoverSize int

	// Plaintext bytes still expected; used to strip the padding of the last block.
	sizeLeft uint64
}

// New creates a decryptor for a stream starting at offset bytes into a file of
// totalSize plaintext bytes.
func New(key []byte, nonce [BlockSize]byte, offset, totalSize uint64) (*Decryptor, error) {
	if offset%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnalignedOffset, offset)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	d := &Decryptor{
		block:      block,
		nonce:      nonce,
		blockIndex: uint32(offset / BlockSize),
	}

	if totalSize > offset {
		d.sizeLeft = totalSize - offset
	}

	return d, nil
}

// Decrypt consumes ciphertext from in and writes plaintext into out.
//
// It returns how many bytes of in were consumed and how many bytes of out were
// produced. Bytes that do not form a whole block yet are kept internally. A
// block is only decrypted when out has room for its plaintext, so a call with
// a too small out consumes nothing beyond what fits into the leftover buffer.
func (d *Decryptor) Decrypt(in, out []byte) (consumed, produced int) {
	for {
		if d.sizeLeft == 0 {
			// Anything after the last plaintext byte is padding.
			d.leftoverSize = 0

			return len(in), produced
		}

		hasRoom := len(out)-produced >= d.nextBlockOutput()

		if d.leftoverSize > 0 {
			fill := min(BlockSize-d.leftoverSize, len(in)-consumed)

			if d.leftoverSize+fill < BlockSize {
				copy(d.leftover[d.leftoverSize:], in[consumed:consumed+fill])
				d.leftoverSize += fill
				consumed += fill

				return consumed, produced
			}

			if !hasRoom {
				return consumed, produced
			}

			copy(d.leftover[d.leftoverSize:], in[consumed:consumed+fill])
			consumed += fill
			produced += d.decryptBlock(d.leftover[:], out[produced:])
			d.leftoverSize = 0

			continue
		}

		rest := len(in) - consumed

		switch {
		case rest == 0:
			return consumed, produced
		case rest < BlockSize:
			copy(d.leftover[:], in[consumed:])
			d.leftoverSize = rest
			consumed += rest

			return consumed, produced
		case !hasRoom:
			return consumed, produced
		}

		produced += d.decryptBlock(in[consumed:consumed+BlockSize], out[produced:])
		consumed += BlockSize
	}
}

// Done reports whether all plaintext bytes of the stream were produced.
func (d *Decryptor) Done() bool {
	return d.sizeLeft == 0
}

// SizeLeft returns the number of plaintext bytes still expected.
func (d *Decryptor) SizeLeft() uint64 {
	return d.sizeLeft
}

func (d *Decryptor) nextBlockOutput() int {
	if d.sizeLeft < BlockSize {
		return int(d.sizeLeft)
	}

	return BlockSize
}

func (d *Decryptor) decryptBlock(src, dst []byte) int {
	counter := d.nonce
	binary.BigEndian.PutUint32(counter[BlockSize-CtrCounterSize:], d.blockIndex)

	var keystream [BlockSize]byte
	d.block.Encrypt(keystream[:], counter[:])
	d.blockIndex++

	n := d.nextBlockOutput()
	for i := range n {
		dst[i] = src[i] ^ keystream[i]
	}

	d.sizeLeft -= uint64(n)

	return n
}
