package byteio_test

import (
	"testing"

	"github.com/retrolinker/retrolinker/internal/byteio"
	"github.com/stretchr/testify/require"
)

func TestEndianRoundTrip(t *testing.T) {
	endians := []byteio.Endianness{byteio.Little, byteio.Big, byteio.PDP11, byteio.AntiPDP11}
	sizes := []int{1, 2, 4, 8}
	values := []uint64{0, 1, 0x7f, 0xff, 0x1234, 0x12345678, 0x0123456789abcdef}

	for _, e := range endians {
		for _, n := range sizes {
			for _, v := range values {
				mask := uint64(1)<<(uint(n)*8) - 1
				if n == 8 {
					mask = ^uint64(0)
				}

				b := byteio.New()
				require.NoError(t, b.WriteWord(n, v, e))

				b.Seek(0)
				got, err := b.ReadUnsigned(n, e)
				require.NoError(t, err)
				require.Equalf(t, v&mask, got, "endian=%s size=%d value=%#x", e, n, v)
			}
		}
	}
}

func TestPDP11MiddleEndian(t *testing.T) {
	// Little within each 16-bit word, big between words: high word (0x1234)
	// first, each word little-endian internally.
	b := byteio.New()
	require.NoError(t, b.WriteWord(4, 0x12345678, byteio.PDP11))
	require.Equal(t, []byte{0x34, 0x12, 0x78, 0x56}, b.Bytes())
}

func TestAntiPDP11SwapsPairs(t *testing.T) {
	// Mirror of PDP11: big within each word, little between words.
	b := byteio.New()
	require.NoError(t, b.WriteWord(4, 0x12345678, byteio.AntiPDP11))
	require.Equal(t, []byte{0x56, 0x78, 0x12, 0x34}, b.Bytes())
}

func TestReadSignedExtends(t *testing.T) {
	b := byteio.New()
	require.NoError(t, b.WriteWord(1, 0xff, byteio.Little))
	b.Seek(0)
	v, err := b.ReadSigned(1, byteio.Little)
	require.NoError(t, err)
	require.Equal(t, int64(-1), v)
}

func TestASCIIZ(t *testing.T) {
	b := byteio.New()
	b.WriteBytes([]byte("hello\x00garbage"))
	b.Seek(0)

	s, err := b.ReadASCIIZ(32)
	require.NoError(t, err)
	require.Equal(t, "hello", s)
}

func TestASCIIZTruncated(t *testing.T) {
	b := byteio.New()
	b.WriteBytes([]byte("nostop"))
	b.Seek(0)

	_, err := b.ReadASCIIZ(4)
	require.ErrorIs(t, err, byteio.ErrTruncated)
}

func TestAlignToAndFillTo(t *testing.T) {
	b := byteio.New()
	b.WriteBytes([]byte{1, 2, 3})
	b.AlignTo(4)
	require.Equal(t, int64(4), b.Tell())
	require.Equal(t, []byte{1, 2, 3, 0}, b.Bytes())

	b.FillTo(8)
	require.Equal(t, 8, b.Len())
	require.Equal(t, int64(8), b.Tell())
}

func TestReadPastEOFReportsTruncation(t *testing.T) {
	b := byteio.NewFromBytes([]byte{1, 2})
	got, err := b.ReadBytes(4)
	require.ErrorIs(t, err, byteio.ErrTruncated)
	require.Equal(t, []byte{1, 2}, got)
}
