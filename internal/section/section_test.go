package section_test

import (
	"bytes"
	"testing"

	"github.com/retrolinker/retrolinker/internal/section"
	"github.com/stretchr/testify/require"
)

func TestAppendAndSize(t *testing.T) {
	s := section.New(".text", section.Readable|section.Executable, 16)

	off, err := s.Append([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
	require.Equal(t, uint64(3), s.Size())

	off, err = s.Append([]byte{4, 5})
	require.NoError(t, err)
	require.Equal(t, uint64(3), off)
	require.Equal(t, uint64(5), s.Size())
}

func TestZeroFilledSectionRejectsAppend(t *testing.T) {
	s := section.New(".bss", section.Writable|section.ZeroFilled, 4)
	require.NoError(t, s.Expand(128))

	_, err := s.Append([]byte{1})
	require.ErrorIs(t, err, section.ErrZeroFilledSectionViolation)
	require.Equal(t, uint64(128), s.Size())
}

func TestExpandIsMonotonic(t *testing.T) {
	s := section.New(".bss", section.ZeroFilled, 1)
	require.NoError(t, s.Expand(10))
	require.Error(t, s.Expand(5))
	require.Equal(t, uint64(10), s.Size())
}

func TestSizeLockedAfterBaseAssigned(t *testing.T) {
	s := section.New(".data", section.Writable, 4)
	_, err := s.Append([]byte{1, 2, 3, 4})
	require.NoError(t, err)

	require.NoError(t, s.SetBaseAddress(0x1000))
	_, err = s.Append([]byte{5})
	require.ErrorIs(t, err, section.ErrSizeLockedAfterLayout)

	err = s.SetBaseAddress(0x2000)
	require.ErrorIs(t, err, section.ErrBaseAlreadySet)
}

func TestRealignEnd(t *testing.T) {
	s := section.New(".text", section.Executable, 4)
	_, err := s.Append([]byte{1, 2, 3})
	require.NoError(t, err)

	require.NoError(t, s.RealignEnd(4))
	require.Equal(t, uint64(4), s.Size())
	require.Equal(t, []byte{1, 2, 3, 0}, s.Bytes())
}

func TestGetByteZeroFillTail(t *testing.T) {
	s := section.New(".data", section.Writable, 1)
	_, err := s.Append([]byte{0xaa})
	require.NoError(t, err)
	require.NoError(t, s.Expand(4))

	b, err := s.GetByte(0)
	require.NoError(t, err)
	require.Equal(t, byte(0xaa), b)

	b, err = s.GetByte(3)
	require.NoError(t, err)
	require.Equal(t, byte(0), b)

	_, err = s.GetByte(4)
	require.Error(t, err)
}

func TestWriteWordPatchesInPlace(t *testing.T) {
	s := section.New(".text", section.Executable, 1)
	_, err := s.Append([]byte{0, 0, 0, 0})
	require.NoError(t, err)

	require.NoError(t, s.WriteWord(1, []byte{0xff, 0xee}))
	require.Equal(t, []byte{0, 0xff, 0xee, 0}, s.Bytes())
}

func TestWriteTo(t *testing.T) {
	s := section.New(".text", section.Executable, 1)
	_, err := s.Append([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := s.WriteTo(&buf, 3, 1)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.Equal(t, []byte{2, 3, 4}, buf.Bytes())
}

func TestResourceMetadata(t *testing.T) {
	s := section.New("ICON", section.ResourceFlag, 1)
	s.SetResource("ICON", 128)

	res, ok := s.Resource()
	require.True(t, ok)
	require.Equal(t, "ICON", res.Kind)
	require.Equal(t, int64(128), res.ID)
}
