package document

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how encoded documents are compressed.
type Compression byte

// Supported compression codecs. The value is written as the first byte of
// every encoded document so documents written with different settings can
// be read back.
const (
	CompressionNone   Compression = 0
	CompressionSnappy Compression = 1
	CompressionLz4    Compression = 2
	CompressionZstd   Compression = 3
)

// ErrCorruptDocument is returned when stored bytes cannot be decoded.
var ErrCorruptDocument = errors.New("document: corrupt document")

// ParseCompression parses a compression name as used in configuration.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLz4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("document: unsupported compression %q", name)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLz4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

// Codec encodes documents as JSON, compressed with the configured codec.
type Codec struct {
	compression Compression

	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
}

// NewCodec creates a codec writing with compression c.
func NewCodec(c Compression) *Codec {
	return &Codec{compression: c}
}

func (c *Codec) initZstd() error {
	c.zstdOnce.Do(func() {
		c.zstdEnc, c.zstdErr = zstd.NewWriter(nil)
		if c.zstdErr != nil {
			return
		}
		c.zstdDec, c.zstdErr = zstd.NewReader(nil)
	})
	return c.zstdErr
}

// Encode serializes doc.
func (c *Codec) Encode(doc *Document) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("document: encode %s: %w", doc.Path, err)
	}

	out := []byte{byte(c.compression)}
	switch c.compression {
	case CompressionNone:
		return append(out, raw...), nil

	case CompressionSnappy:
		return append(out, snappy.Encode(nil, raw)...), nil

	case CompressionLz4:
		buf := bytes.NewBuffer(out)
		w := lz4.NewWriter(buf)
		if _, err := w.Write(raw); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 writer: %w", err)
		}
		return buf.Bytes(), nil

	case CompressionZstd:
		if err := c.initZstd(); err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return c.zstdEnc.EncodeAll(raw, out), nil

	default:
		return nil, fmt.Errorf("document: unsupported compression %v", c.compression)
	}
}

// Decode deserializes a document written by Encode with any compression.
func (c *Codec) Decode(data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrCorruptDocument)
	}

	raw, err := c.decompress(Compression(data[0]), data[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}

	// New allocates the maps; Unmarshal fills them when present.
	doc := New("")
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	if doc.Path == "" {
		return nil, fmt.Errorf("%w: missing path", ErrCorruptDocument)
	}
	return doc, nil
}

func (c *Codec) decompress(compression Compression, data []byte) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return data, nil

	case CompressionSnappy:
		return snappy.Decode(nil, data)

	case CompressionLz4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))

	case CompressionZstd:
		if err := c.initZstd(); err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return c.zstdDec.DecodeAll(data, nil)

	default:
		return nil, fmt.Errorf("unsupported compression type: %d", compression)
	}
}
