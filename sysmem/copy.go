package sysmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/hbm"
	"github.com/vkngwrapper/hbm/internal/utils"
	"golang.org/x/sys/unix"
)

func mapFd(fd int, size int) ([]byte, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(hbm.ErrDriverFailure, "mmap of %d bytes: %s", size, err.Error())
	}
	return data, nil
}

func mappingOf(data []byte) hbm.Mapping {
	return hbm.Mapping{
		Ptr:  unsafe.Pointer(&data[0]),
		Size: len(data),
	}
}

// view returns the handle's bytes, reusing an active mapping and mapping
// transiently otherwise. The returned release func undoes the transient map.
func (b *Backend) view(bo *boHandle) ([]byte, func(), error) {
	if bo.mapped != nil {
		return bo.mapped, func() {}, nil
	}

	data, err := mapFd(bo.fd, bo.layout.Size)
	if err != nil {
		return nil, nil, err
	}
	return data, func() { _ = unix.Munmap(data) }, nil
}

func waitAndClose(waitFd int) error {
	if waitFd == hbm.NoFd {
		return nil
	}

	err := utils.PollRead(waitFd)
	closeErr := unix.Close(waitFd)
	if err != nil {
		return errors.Wrapf(hbm.ErrDriverFailure, "waiting on fd %d: %s", waitFd, err.Error())
	}
	if closeErr != nil {
		return errors.Wrapf(hbm.ErrDriverFailure, "closing fd %d: %s", waitFd, closeErr.Error())
	}
	return nil
}

// CopyBuffer runs the copy on the CPU. The copy is complete on return, so the
// result is always hbm.NoFd.
func (b *Backend) CopyBuffer(dst, src hbm.Handle, region hbm.BufferCopy, waitFd int) (int, error) {
	err := waitAndClose(waitFd)
	if err != nil {
		return hbm.NoFd, err
	}

	dstBo := dst.(*boHandle)
	srcBo := src.(*boHandle)

	srcData, srcRelease, err := b.view(srcBo)
	if err != nil {
		return hbm.NoFd, err
	}
	defer srcRelease()

	dstData, dstRelease, err := b.view(dstBo)
	if err != nil {
		return hbm.NoFd, err
	}
	defer dstRelease()

	copy(dstData[region.DstOffset:region.DstOffset+region.Size],
		srcData[region.SrcOffset:region.SrcOffset+region.Size])

	return hbm.NoFd, nil
}

// CopyBufferImage runs the copy on the CPU, one row of blocks at a time. The
// direction follows which side is the image.
func (b *Backend) CopyBufferImage(dst, src hbm.Handle, region hbm.BufferImageCopy, waitFd int) (int, error) {
	err := waitAndClose(waitFd)
	if err != nil {
		return hbm.NoFd, err
	}

	dstBo := dst.(*boHandle)
	srcBo := src.(*boHandle)

	srcData, srcRelease, err := b.view(srcBo)
	if err != nil {
		return hbm.NoFd, err
	}
	defer srcRelease()

	dstData, dstRelease, err := b.view(dstBo)
	if err != nil {
		return hbm.NoFd, err
	}
	defer dstRelease()

	if dstBo.format != hbm.FormatInvalid {
		copyRows(dstData, dstBo, srcData, region, true)
	} else {
		copyRows(srcData, srcBo, dstData, region, false)
	}

	return hbm.NoFd, nil
}

// copyRows moves region.Height rows of blocks between the buffer bytes and
// the image plane. The region geometry was validated by the core before
// dispatch.
func copyRows(imageData []byte, image *boHandle, bufferData []byte, region hbm.BufferImageCopy, toImage bool) {
	blockSize, err := hbm.FormatBlockSize(image.format, region.Plane)
	if err != nil {
		panic(err)
	}
	rowSize := region.Width * blockSize

	planeOffset := image.layout.Offsets[region.Plane]
	planeStride := image.layout.Strides[region.Plane]

	for row := 0; row < region.Height; row++ {
		imageStart := planeOffset + (region.Y+row)*planeStride + region.X*blockSize
		bufferStart := region.Offset + row*region.Stride

		if toImage {
			copy(imageData[imageStart:imageStart+rowSize], bufferData[bufferStart:bufferStart+rowSize])
		} else {
			copy(bufferData[bufferStart:bufferStart+rowSize], imageData[imageStart:imageStart+rowSize])
		}
	}
}
