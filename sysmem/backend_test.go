package sysmem_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/hbm"
	"github.com/vkngwrapper/hbm/sysmem"
	"golang.org/x/sys/unix"
)

func TestClassify(t *testing.T) {
	backend := sysmem.New(nil)

	class, err := backend.Classify(hbm.Description{
		Flags:    hbm.FlagMap,
		Format:   hbm.FormatNV12,
		Modifier: hbm.ModifierInvalid,
	})
	require.NoError(t, err)
	require.Equal(t, []hbm.Modifier{hbm.ModifierLinear}, class.Modifiers)
	require.False(t, class.UnknownConstraint)

	_, err = backend.Classify(hbm.Description{
		Flags:    hbm.FlagProtected,
		Format:   hbm.FormatR8,
		Modifier: hbm.ModifierInvalid,
	})
	require.ErrorIs(t, err, hbm.ErrUnsupported)

	_, err = backend.Classify(hbm.Description{
		Flags:    hbm.FlagMap,
		Format:   hbm.Format('Z' | 'Z'<<8 | 'Z'<<16 | 'Z'<<24),
		Modifier: hbm.ModifierInvalid,
	})
	require.ErrorIs(t, err, hbm.ErrUnsupported)
}

func TestMemoryPlaneCount(t *testing.T) {
	backend := sysmem.New(nil)

	count, err := backend.MemoryPlaneCount(hbm.FormatYUV420, hbm.ModifierLinear)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	_, err = backend.MemoryPlaneCount(hbm.FormatYUV420, hbm.Modifier(0xffee))
	require.ErrorIs(t, err, hbm.ErrUnsupported)
}

func TestImportRejectsShortFd(t *testing.T) {
	backend := sysmem.New(nil)

	fd, err := unix.MemfdCreate("short", unix.MFD_CLOEXEC)
	require.NoError(t, err)
	defer unix.Close(fd)
	require.NoError(t, unix.Ftruncate(fd, 16))

	class, err := backend.Classify(hbm.Description{
		Flags:    hbm.FlagMap | hbm.FlagExternal,
		Format:   hbm.FormatInvalid,
		Modifier: hbm.ModifierInvalid,
	})
	require.NoError(t, err)

	layout := hbm.Layout{
		Size:       4096,
		Modifier:   hbm.ModifierInvalid,
		PlaneCount: 1,
		Strides:    [hbm.MaxPlanes]int{4096},
	}

	_, err = backend.CreateWithLayout(class, hbm.BufferExtent{Size: 4096}, layout, fd)
	require.ErrorIs(t, err, hbm.ErrImportFailed)
}

func TestBindMapWrite(t *testing.T) {
	backend := sysmem.New(nil)

	class, err := backend.Classify(hbm.Description{
		Flags:    hbm.FlagMap,
		Format:   hbm.FormatInvalid,
		Modifier: hbm.ModifierInvalid,
	})
	require.NoError(t, err)

	handle, err := backend.CreateWithConstraint(class, hbm.BufferExtent{Size: 64}, nil)
	require.NoError(t, err)
	defer backend.Free(handle)

	require.NoError(t, backend.BindMemory(handle, backend.MemoryTypes(handle)[0], hbm.NoFd))

	mapping, err := backend.Map(handle)
	require.NoError(t, err)
	mapping.Bytes()[63] = 0xa5
	require.Equal(t, byte(0xa5), mapping.Bytes()[63])
	backend.Unmap(handle, mapping)
}
