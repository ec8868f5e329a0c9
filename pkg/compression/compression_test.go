package compression

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compress(t *testing.T, typ Type, level Level, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, typ, level)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	original := []byte(strings.Repeat(`{"snapshot":{"title":"t","uid":1}},`, 200))
	for _, typ := range []Type{TypeZstd, TypeGzip, TypeNone} {
		for _, level := range []Level{LevelFastest, LevelDefault, LevelBest} {
			t.Run(typ.String(), func(t *testing.T) {
				packed := compress(t, typ, level, original)
				if typ != TypeNone {
					assert.Less(t, len(packed), len(original))
				}
				assert.Equal(t, typ, DetectType(packed))

				r, err := NewReader(bytes.NewReader(packed), typ)
				require.NoError(t, err)
				defer r.Close()
				got, err := io.ReadAll(r)
				require.NoError(t, err)
				assert.Equal(t, original, got)
			})
		}
	}
}

func TestNewAutoReader(t *testing.T) {
	original := []byte("heap snapshot bytes")
	for _, typ := range []Type{TypeZstd, TypeGzip, TypeNone} {
		t.Run(typ.String(), func(t *testing.T) {
			r, detected, err := NewAutoReader(bytes.NewReader(compress(t, typ, LevelDefault, original)))
			require.NoError(t, err)
			defer r.Close()
			assert.Equal(t, typ, detected)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, original, got)
		})
	}
}

func TestNewAutoReader_ShortInput(t *testing.T) {
	r, typ, err := NewAutoReader(bytes.NewReader([]byte("{}")))
	require.NoError(t, err)
	assert.Equal(t, TypeNone, typ)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
}

func TestDetectType(t *testing.T) {
	assert.Equal(t, TypeZstd, DetectType([]byte{0x28, 0xb5, 0x2f, 0xfd, 0x00}))
	assert.Equal(t, TypeGzip, DetectType([]byte{0x1f, 0x8b}))
	assert.Equal(t, TypeNone, DetectType([]byte("{")))
	assert.Equal(t, TypeNone, DetectType(nil))
}

func TestParseType(t *testing.T) {
	tests := map[string]Type{"zstd": TypeZstd, "": TypeZstd, "gzip": TypeGzip, "gz": TypeGzip, "none": TypeNone}
	for name, want := range tests {
		got, err := ParseType(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got)
	}
	_, err := ParseType("lz4")
	assert.Error(t, err)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".zst", TypeZstd.Extension())
	assert.Equal(t, ".gz", TypeGzip.Extension())
	assert.Equal(t, "", TypeNone.Extension())
	assert.Equal(t, "Type(7)", Type(7).String())
}

func TestUnknownType(t *testing.T) {
	_, err := NewWriter(io.Discard, Type(7), LevelDefault)
	assert.Error(t, err)
	_, err = NewReader(bytes.NewReader(nil), Type(7))
	assert.Error(t, err)
}

func TestNoneWriterDoesNotCloseTarget(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, TypeNone, LevelDefault)
	require.NoError(t, err)
	_, err = w.Write([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	buf.WriteString("b")
	assert.Equal(t, "ab", buf.String())
}
