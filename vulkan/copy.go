package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/hbm"
	"github.com/vkngwrapper/hbm/internal/utils"
	"golang.org/x/sys/unix"
)

// CopyBuffer records a transfer on the copy queue and waits for it to
// retire before returning, so the result is always hbm.NoFd. Exporting the
// submission as a sync fd needs VK_KHR_external_fence_fd wiring.
func (b *Backend) CopyBuffer(dst, src hbm.Handle, region hbm.BufferCopy, waitFd int) (int, error) {
	err := waitAndClose(waitFd)
	if err != nil {
		return hbm.NoFd, err
	}

	dstBo := dst.(*boHandle)
	srcBo := src.(*boHandle)

	err = b.submit(func(cmd core1_0.CommandBuffer) error {
		return cmd.CmdCopyBuffer(srcBo.buffer, dstBo.buffer, []core1_0.BufferCopy{
			{
				SrcOffset: region.SrcOffset,
				DstOffset: region.DstOffset,
				Size:      region.Size,
			},
		})
	})
	return hbm.NoFd, err
}

// CopyBufferImage records a transfer between a buffer and the image's color
// plane. Wait and fence semantics match CopyBuffer.
func (b *Backend) CopyBufferImage(dst, src hbm.Handle, region hbm.BufferImageCopy, waitFd int) (int, error) {
	err := waitAndClose(waitFd)
	if err != nil {
		return hbm.NoFd, err
	}

	dstBo := dst.(*boHandle)
	srcBo := src.(*boHandle)

	image, buffer := dstBo, srcBo
	toImage := true
	if image.image == nil {
		image, buffer = srcBo, dstBo
		toImage = false
	}

	vkRegion, err := imageCopyRegion(image.format, region)
	if err != nil {
		return hbm.NoFd, err
	}

	err = b.submit(func(cmd core1_0.CommandBuffer) error {
		err := b.prepareImage(cmd, image)
		if err != nil {
			return err
		}

		if toImage {
			return cmd.CmdCopyBufferToImage(buffer.buffer, image.image, core1_0.ImageLayoutGeneral,
				[]core1_0.BufferImageCopy{vkRegion})
		}
		return cmd.CmdCopyImageToBuffer(image.image, core1_0.ImageLayoutGeneral, buffer.buffer,
			[]core1_0.BufferImageCopy{vkRegion})
	})
	return hbm.NoFd, err
}

// imageCopyRegion converts block-unit geometry into the texel units the
// transfer commands expect.
func imageCopyRegion(format hbm.Format, region hbm.BufferImageCopy) (core1_0.BufferImageCopy, error) {
	blockSize, err := hbm.FormatBlockSize(format, region.Plane)
	if err != nil {
		return core1_0.BufferImageCopy{}, err
	}
	blockWidth, blockHeight, err := hbm.FormatBlockExtent(format, region.Plane)
	if err != nil {
		return core1_0.BufferImageCopy{}, err
	}

	if region.Stride%blockSize != 0 {
		return core1_0.BufferImageCopy{}, errors.Wrap(hbm.ErrInvalidState, "the buffer stride is not a whole number of blocks")
	}

	return core1_0.BufferImageCopy{
		BufferOffset:      region.Offset,
		BufferRowLength:   region.Stride / blockSize * blockWidth,
		BufferImageHeight: region.Height * blockHeight,
		ImageSubresource: core1_0.ImageSubresourceLayers{
			AspectMask: core1_0.ImageAspectColor,
			MipLevel:   0,
			LayerCount: 1,
		},
		ImageOffset: core1_0.Offset3D{X: region.X * blockWidth, Y: region.Y * blockHeight},
		ImageExtent: core1_0.Extent3D{
			Width:  region.Width * blockWidth,
			Height: region.Height * blockHeight,
			Depth:  1,
		},
	}, nil
}

// prepareImage moves the image into the General layout on first use. Linear
// images stay in General so CPU mappings and later copies both see them.
func (b *Backend) prepareImage(cmd core1_0.CommandBuffer, image *boHandle) error {
	if image.imageInitialized {
		return nil
	}

	err := cmd.CmdPipelineBarrier(
		core1_0.PipelineStageTopOfPipe, core1_0.PipelineStageTransfer, 0,
		nil, nil,
		[]core1_0.ImageMemoryBarrier{
			{
				SrcAccessMask:       0,
				DstAccessMask:       core1_0.AccessTransferRead | core1_0.AccessTransferWrite,
				OldLayout:           core1_0.ImageLayoutPreInitialized,
				NewLayout:           core1_0.ImageLayoutGeneral,
				SrcQueueFamilyIndex: -1,
				DstQueueFamilyIndex: -1,
				Image:               image.image,
				SubresourceRange: core1_0.ImageSubresourceRange{
					AspectMask: core1_0.ImageAspectColor,
					LevelCount: 1,
					LayerCount: 1,
				},
			},
		})
	if err != nil {
		return errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	image.imageInitialized = true
	return nil
}

// submit records a one-shot command buffer and blocks until its fence
// signals. The single command buffer serializes copies on this backend.
func (b *Backend) submit(record func(cmd core1_0.CommandBuffer) error) error {
	b.copyMutex.Lock()
	defer b.copyMutex.Unlock()

	cmd := b.commandBuffer
	_, err := cmd.Reset(0)
	if err != nil {
		return errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	_, err = cmd.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	err = record(cmd)
	if err != nil {
		return err
	}

	_, err = cmd.End()
	if err != nil {
		return errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	fence, _, err := b.device.CreateFence(nil, core1_0.FenceCreateInfo{})
	if err != nil {
		return errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}
	defer fence.Destroy(nil)

	_, err = b.queue.Submit(fence, []core1_0.SubmitInfo{
		{
			CommandBuffers: []core1_0.CommandBuffer{cmd},
		},
	})
	if err != nil {
		return errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	_, err = fence.Wait(common.NoTimeout)
	if err != nil {
		return errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	return nil
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
