package document

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocument() *Document {
	d := New("/content/page")
	d.MarkCreated(rev(10))
	d.SetProperty("title", rev(10), str("hello"))
	d.SetProperty("body", rev(11), str(strings.Repeat("lorem ipsum ", 50)))
	d.MarkDeleted(rev(20))
	return d
}

func TestCodec_RoundTrip(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionSnappy, CompressionLz4, CompressionZstd} {
		t.Run(c.String(), func(t *testing.T) {
			codec := NewCodec(c)
			in := sampleDocument()

			data, err := codec.Encode(in)
			require.NoError(t, err)
			assert.Equal(t, byte(c), data[0])

			out, err := codec.Decode(data)
			require.NoError(t, err)
			if diff := cmp.Diff(in, out, cmpopts.IgnoreUnexported(Document{})); diff != "" {
				t.Errorf("document mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCodec_DecodesAnyCompression(t *testing.T) {
	data, err := NewCodec(CompressionZstd).Encode(sampleDocument())
	require.NoError(t, err)

	out, err := NewCodec(CompressionNone).Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "/content/page", out.Path)
}

func TestCodec_CompressesLargeDocuments(t *testing.T) {
	d := sampleDocument()
	plain, err := NewCodec(CompressionNone).Encode(d)
	require.NoError(t, err)
	compressed, err := NewCodec(CompressionSnappy).Encode(d)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(plain))
}

func TestCodec_RejectsCorruptData(t *testing.T) {
	codec := NewCodec(CompressionNone)

	for name, data := range map[string][]byte{
		"empty":         nil,
		"unknown codec": {9, '{', '}'},
		"bad json":      {0, '{'},
		"no path":       {0, '{', '}'},
		"bad snappy":    {1, 0xff, 0xff},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := codec.Decode(data)
			assert.ErrorIs(t, err, ErrCorruptDocument)
		})
	}
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"none", "snappy", "lz4", "zstd"} {
		c, err := ParseCompression(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.String())
	}
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c)

	_, err = ParseCompression("gzip")
	assert.Error(t, err)
}
