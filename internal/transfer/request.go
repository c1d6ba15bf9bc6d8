package transfer

import (
	"net"
	"net/url"
	"strconv"

	"github.com/italolelis/transferd/internal/decrypt"
)

// Request describes where a transfer downloads its file from.
type Request struct {
	Host string
	Port uint16
	Path string
	TLS  bool

	// OrigSize is the plaintext size of the file.
	OrigSize uint64

	// Encryption is nil for plain downloads.
	Encryption *Encryption

	ExtraHeaders HeaderSource
}

// Encryption holds the key material of an encrypted download.
type Encryption struct {
	Key   [decrypt.BlockSize]byte
	Nonce [decrypt.BlockSize]byte
}

// URL returns the address of the file.
func (r Request) URL() string {
	scheme := "http"
	if r.TLS {
		scheme = "https"
	}

	host := r.Host
	if r.Port != 0 {
		host = net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
	}

	u := url.URL{Scheme: scheme, Host: host, Path: r.Path}

	return u.String()
}

// Headers collects the extra headers of the request.
func (r Request) Headers() []Header {
	return CollectHeaders(r.ExtraHeaders)
}

// HeaderValue is either a StringValue or a SizeValue.
type HeaderValue interface {
	headerValue()
}

// StringValue is a header value sent verbatim.
type StringValue string

// SizeValue is a header value holding a byte count, sent in decimal.
type SizeValue uint64

func (StringValue) headerValue() {}
func (SizeValue) headerValue()   {}

// Header is an extra header sent with every request of a transfer.
type Header struct {
	Name  string
	Value HeaderValue

	// SizeLimit caps how many bytes of the rendered value are significant.
	SizeLimit    uint32
	HasSizeLimit bool
}

// Render returns the value as sent on the wire.
func (h Header) Render() string {
	var v string

	switch val := h.Value.(type) {
	case StringValue:
		v = string(val)
	case SizeValue:
		v = strconv.FormatUint(uint64(val), 10)
	}

	if h.HasSizeLimit && uint32(len(v)) > h.SizeLimit {
		v = v[:h.SizeLimit]
	}

	return v
}

// HeaderSource fills dst with as many headers as fit and returns how many
// headers it has in total. Calling it with an empty dst queries the count.
type HeaderSource func(dst []Header) int

// StaticHeaders returns a HeaderSource serving a fixed list.
func StaticHeaders(headers ...Header) HeaderSource {
	return func(dst []Header) int {
		copy(dst, headers)

		return len(headers)
	}
}

// CollectHeaders queries the count of src and then fills a slice of that size.
func CollectHeaders(src HeaderSource) []Header {
	if src == nil {
		return nil
	}

	n := src(nil)
	if n == 0 {
		return nil
	}

	headers := make([]Header, n)
	filled := src(headers)

	return headers[:min(n, filled)]
}
