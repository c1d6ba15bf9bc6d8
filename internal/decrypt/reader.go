package decrypt

import "io"

const readerChunkSize = 4 * 1024

// Reader decrypts everything read from an underlying ciphertext reader.
type Reader struct {
	src io.Reader
	d   *Decryptor

	in         []byte
	inStart    int
	inEnd      int
	plain      []byte
	plainStart int
	plainEnd   int
	err        error
}

// NewReader wraps r so that reads return plaintext produced by d.
func NewReader(r io.Reader, d *Decryptor) *Reader {
	return &Reader{
		src:   r,
		d:     d,
		in:    make([]byte, readerChunkSize),
		plain: make([]byte, readerChunkSize),
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		if r.plainStart < r.plainEnd {
			n := copy(p, r.plain[r.plainStart:r.plainEnd])
			r.plainStart += n

			return n, nil
		}

		if r.inStart < r.inEnd {
			consumed, produced := r.d.Decrypt(r.in[r.inStart:r.inEnd], r.plain)
			r.inStart += consumed
			r.plainStart, r.plainEnd = 0, produced

			continue
		}

		if r.d.Done() {
			return 0, io.EOF
		}

		if r.err != nil {
			return 0, r.err
		}

		n, err := r.src.Read(r.in)
		r.inStart, r.inEnd, r.err = 0, n, err
	}
}
