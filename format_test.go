package hbm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormat_FourccEncoding(t *testing.T) {
	require.Equal(t, fourccCode('R', '8', ' ', ' '), FormatR8)
	require.Equal(t, fourccCode('X', 'R', '2', '4'), FormatXRGB8888)
	require.Equal(t, fourccCode('A', 'R', '2', '4'), FormatARGB8888)
	require.Equal(t, fourccCode('N', 'V', '1', '2'), FormatNV12)
	require.Equal(t, fourccCode('Y', 'U', '1', '2'), FormatYUV420)
	require.Equal(t, fourccCode('P', '0', '1', '0'), FormatP010)
}

func TestFormat_String(t *testing.T) {
	require.Equal(t, "GENERIC", FormatGeneric.String())
	require.Equal(t, "XRGB8888", FormatXRGB8888.String())
	require.Equal(t, "'AB12'", fourccCode('A', 'B', '1', '2').String())
	require.Equal(t, "0x00000001", Format(1).String())
}

func TestModifier_String(t *testing.T) {
	require.Equal(t, "LINEAR", ModifierLinear.String())
	require.Equal(t, "ANY", ModifierAny.String())
	require.Equal(t, "0x0000000000000042", Modifier(0x42).String())
}

func TestFormat_Info(t *testing.T) {
	info, err := FormatR8.Info()
	require.NoError(t, err)
	require.Equal(t, 1, info.PlaneCount)
	require.Equal(t, 1, info.BlockSize[0])

	info, err = FormatXRGB8888.Info()
	require.NoError(t, err)
	require.Equal(t, 1, info.PlaneCount)
	require.Equal(t, 4, info.BlockSize[0])

	// YUYV packs two pixels per 4-byte block
	info, err = FormatYUYV.Info()
	require.NoError(t, err)
	require.Equal(t, 1, info.PlaneCount)
	require.Equal(t, 4, info.BlockSize[0])
	require.Equal(t, [2]int{2, 1}, info.BlockExtent[0])

	// NV12 subsamples chroma 2x2 into an interleaved second plane
	info, err = FormatNV12.Info()
	require.NoError(t, err)
	require.Equal(t, 2, info.PlaneCount)
	require.Equal(t, 1, info.BlockSize[0])
	require.Equal(t, 2, info.BlockSize[1])
	require.Equal(t, [2]int{2, 2}, info.BlockExtent[1])

	info, err = FormatYUV420.Info()
	require.NoError(t, err)
	require.Equal(t, 3, info.PlaneCount)

	_, err = FormatGeneric.Info()
	require.ErrorIs(t, err, ErrUnsupportedConstraint)

	_, err = fourccCode('Z', 'Z', 'Z', 'Z').Info()
	require.ErrorIs(t, err, ErrUnsupportedConstraint)
}
