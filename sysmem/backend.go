// Package sysmem is a buffer object backend over plain system memory. BOs
// are backed by memfds, which makes every memory type mappable and coherent
// and makes export and import ordinary fd passing. Copies run on the CPU.
//
// The backend exists for devices without a dedicated allocator and as the
// reference backend for tests.
package sysmem

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hbm"
	"github.com/vkngwrapper/hbm/memutils"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

const memfdName = "hbm-sysmem"

// Backend implements hbm.Backend over anonymous memfds.
type Backend struct {
	logger *slog.Logger
}

// New creates a system-memory backend.
func New(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		logger: logger,
	}
}

type boHandle struct {
	format hbm.Format
	layout hbm.Layout

	// fd is the backing memfd, or hbm.NoFd until memory is bound.
	fd int
	// mapped is the active mmap view, nil when unmapped.
	mapped []byte
}

func (b *Backend) Name() string {
	return "sysmem"
}

func (b *Backend) MemoryPlaneCount(format hbm.Format, modifier hbm.Modifier) (int, error) {
	if modifier != hbm.ModifierLinear {
		return 0, errors.Wrapf(hbm.ErrUnsupported, "system memory only holds linear images, not modifier 0x%x", uint64(modifier))
	}
	return hbm.FormatPlaneCount(format)
}

func (b *Backend) Classify(desc hbm.Description) (*hbm.Class, error) {
	if desc.Flags&hbm.FlagProtected != 0 {
		return nil, errors.Wrap(hbm.ErrUnsupported, "system memory cannot hold protected content")
	}

	class := hbm.NewClass(desc)
	if !desc.IsBuffer() {
		_, err := hbm.FormatPlaneCount(desc.Format)
		if err != nil {
			return nil, err
		}
		class.Modifiers = []hbm.Modifier{hbm.ModifierLinear}
	}

	// memfds have no alignment requirements of their own.
	return class, nil
}

func (b *Backend) CreateWithConstraint(class *hbm.Class, extent hbm.Extent, con *hbm.Constraint) (hbm.Handle, error) {
	layout, err := hbm.ResolveLayout(class, extent, con)
	if err != nil {
		return nil, err
	}

	return &boHandle{
		format: class.Format,
		layout: layout,
		fd:     hbm.NoFd,
	}, nil
}

func (b *Backend) CreateWithLayout(class *hbm.Class, extent hbm.Extent, layout hbm.Layout, importFd int) (hbm.Handle, error) {
	if importFd != hbm.NoFd {
		err := checkImportFd(importFd, layout.Size)
		if err != nil {
			return nil, err
		}
	}

	return &boHandle{
		format: class.Format,
		layout: layout,
		fd:     hbm.NoFd,
	}, nil
}

func (b *Backend) Free(handle hbm.Handle) {
	bo := handle.(*boHandle)

	if bo.mapped != nil {
		_ = unix.Munmap(bo.mapped)
		bo.mapped = nil
	}
	if bo.fd != hbm.NoFd {
		_ = unix.Close(bo.fd)
		bo.fd = hbm.NoFd
	}
}

func (b *Backend) Layout(handle hbm.Handle) hbm.Layout {
	return handle.(*boHandle).layout
}

func (b *Backend) MemoryTypes(handle hbm.Handle) []hbm.MemoryType {
	// Everything is host memory. Cached first: CPU reads through it are
	// far cheaper and there is no device cache to pay for.
	return []hbm.MemoryType{
		hbm.MemoryMappable | hbm.MemoryCoherent | hbm.MemoryCached,
		hbm.MemoryMappable | hbm.MemoryCoherent,
	}
}

func (b *Backend) BindMemory(handle hbm.Handle, memoryType hbm.MemoryType, importFd int) error {
	bo := handle.(*boHandle)

	if importFd != hbm.NoFd {
		err := checkImportFd(importFd, bo.layout.Size)
		if err != nil {
			return err
		}
		bo.fd = importFd
		return nil
	}

	fd, err := unix.MemfdCreate(memfdName, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return errors.Wrapf(hbm.ErrDriverFailure, "memfd_create: %s", err.Error())
	}

	// memfds are page granular anyway; sizing to the page boundary keeps a
	// full-layout mmap away from the partial trailing page.
	pageSize := uint(os.Getpagesize())
	memutils.DebugCheckPow2(pageSize, "page size")
	size := memutils.AlignUp(bo.layout.Size, pageSize)

	err = unix.Ftruncate(fd, int64(size))
	if err != nil {
		_ = unix.Close(fd)
		return errors.Wrapf(hbm.ErrDriverFailure, "ftruncate to %d bytes: %s", size, err.Error())
	}

	bo.fd = fd
	return nil
}

func checkImportFd(fd int, size int) error {
	var stat unix.Stat_t
	err := unix.Fstat(fd, &stat)
	if err != nil {
		return errors.Wrapf(hbm.ErrImportFailed, "fstat on fd %d: %s", fd, err.Error())
	}
	if stat.Size < int64(size) {
		return errors.Wrapf(hbm.ErrImportFailed, "fd %d holds %d bytes, the layout needs %d", fd, stat.Size, size)
	}
	return nil
}

func (b *Backend) Export(handle hbm.Handle, label string) (int, error) {
	bo := handle.(*boHandle)

	fd, err := unix.FcntlInt(uintptr(bo.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return hbm.NoFd, errors.Wrapf(hbm.ErrDriverFailure, "duplicating fd %d: %s", bo.fd, err.Error())
	}

	b.logger.Debug("sysmem::Export", slog.String("label", label), slog.Int("fd", fd))
	return fd, nil
}

func (b *Backend) Map(handle hbm.Handle) (hbm.Mapping, error) {
	bo := handle.(*boHandle)

	data, err := mapFd(bo.fd, bo.layout.Size)
	if err != nil {
		return hbm.Mapping{}, err
	}

	bo.mapped = data
	return mappingOf(data), nil
}

func (b *Backend) Unmap(handle hbm.Handle, mapping hbm.Mapping) {
	bo := handle.(*boHandle)

	_ = unix.Munmap(bo.mapped)
	bo.mapped = nil
}

func (b *Backend) Flush(handle hbm.Handle) {
	// Host memory is coherent with itself.
}

func (b *Backend) Invalidate(handle hbm.Handle) {
}
