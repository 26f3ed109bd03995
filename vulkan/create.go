// Package vulkan is a buffer object backend over a Vulkan device. BOs are
// dedicated VkDeviceMemory allocations wrapping a VkBuffer or a linearly
// tiled VkImage, and copies run on a transfer-capable queue.
//
// The backend is limited to single-plane formats and linear tiling. Vendor
// modifiers and multi-plane formats need driver knowledge Vulkan 1.0 does
// not expose. Cross-process sharing is declined at classify time: the
// bindings do not expose vkGetMemoryFdKHR, so descriptions carrying
// FlagExternal fall through to a backend that can share.
package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_get_physical_device_properties2"
	"github.com/vkngwrapper/hbm"
	"github.com/vkngwrapper/hbm/internal/utils"
	"github.com/vkngwrapper/hbm/memutils"
	"golang.org/x/exp/slog"
)

// CreateOptions configures a backend built from scratch with New.
type CreateOptions struct {
	// Logger receives leveled diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// AppName is reported to the driver as the application name.
	AppName string
	// DeviceIndex selects among the physical devices the loader enumerates.
	DeviceIndex int
	// SingleThreaded elides internal locking around the copy queue.
	SingleThreaded bool
}

// Backend implements hbm.Backend over a Vulkan device.
type Backend struct {
	logger *slog.Logger

	instance       core1_0.Instance
	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device
	ownsDevice     bool

	queue            core1_0.Queue
	queueFamilyIndex int
	commandPool      core1_0.CommandPool
	commandBuffer    core1_0.CommandBuffer
	copyMutex        utils.OptionalMutex

	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
	limits           *core1_0.PhysicalDeviceLimits
}

// New bootstraps a Vulkan instance and device and wraps them in a backend.
// Destroy tears the whole stack down again.
func New(options CreateOptions) (*Backend, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	vulkanLoader, err := core.CreateSystemLoader()
	if err != nil {
		return nil, errors.Wrapf(hbm.ErrDriverFailure, "loading the Vulkan runtime: %s", err.Error())
	}

	instanceExtensions, _, err := vulkanLoader.AvailableExtensions()
	if err != nil {
		return nil, errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	var instanceExtensionNames []string
	if _, ok := instanceExtensions[khr_get_physical_device_properties2.ExtensionName]; ok {
		instanceExtensionNames = append(instanceExtensionNames, khr_get_physical_device_properties2.ExtensionName)
	}

	instance, _, err := vulkanLoader.CreateInstance(nil, core1_0.InstanceCreateInfo{
		ApplicationName:       options.AppName,
		ApplicationVersion:    common.CreateVersion(1, 0, 0),
		EngineName:            "hbm",
		EngineVersion:         common.CreateVersion(1, 0, 0),
		APIVersion:            common.Vulkan1_0,
		EnabledExtensionNames: instanceExtensionNames,
	})
	if err != nil {
		return nil, errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	gpus, _, err := instance.EnumeratePhysicalDevices()
	if err != nil {
		instance.Destroy(nil)
		return nil, errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}
	if options.DeviceIndex >= len(gpus) {
		instance.Destroy(nil)
		return nil, errors.Wrapf(hbm.ErrDriverFailure, "device index %d is out of range, %d devices present",
			options.DeviceIndex, len(gpus))
	}
	physDevice := gpus[options.DeviceIndex]

	queueFamily := transferQueueFamily(physDevice)
	if queueFamily < 0 {
		instance.Destroy(nil)
		return nil, errors.Wrap(hbm.ErrDriverFailure, "the device has no transfer-capable queue family")
	}

	device, _, err := physDevice.CreateDevice(nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos: []core1_0.DeviceQueueCreateInfo{
			{
				QueueFamilyIndex: queueFamily,
				QueuePriorities:  []float32{0.0},
			},
		},
	})
	if err != nil {
		instance.Destroy(nil)
		return nil, errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	backend, err := NewFromDevice(logger, instance, physDevice, device, queueFamily, options.SingleThreaded)
	if err != nil {
		device.Destroy(nil)
		instance.Destroy(nil)
		return nil, err
	}
	backend.ownsDevice = true
	return backend, nil
}

// NewFromDevice wraps an already created Vulkan device in a backend. The
// caller keeps ownership of the instance and device; the queue family must be
// transfer capable.
func NewFromDevice(
	logger *slog.Logger,
	instance core1_0.Instance,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	queueFamilyIndex int,
	singleThreaded bool,
) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}
	err = memutils.CheckPow2(properties.Limits.NonCoherentAtomSize, "nonCoherentAtomSize")
	if err != nil {
		return nil, errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	commandPool, _, err := device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: queueFamilyIndex,
	})
	if err != nil {
		return nil, errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	commandBuffers, _, err := device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		commandPool.Destroy(nil)
		return nil, errors.Wrap(hbm.ErrDriverFailure, err.Error())
	}

	backend := &Backend{
		logger: logger,

		instance:       instance,
		physicalDevice: physicalDevice,
		device:         device,

		queue:            device.GetQueue(queueFamilyIndex, 0),
		queueFamilyIndex: queueFamilyIndex,
		commandPool:      commandPool,
		commandBuffer:    commandBuffers[0],
		copyMutex:        utils.OptionalMutex{UseMutex: !singleThreaded},

		memoryProperties: physicalDevice.MemoryProperties(),
		limits:           properties.Limits,
	}

	return backend, nil
}

// Destroy releases the backend's queue state and, for backends built with
// New, the device and instance as well.
func (b *Backend) Destroy() {
	b.logger.Debug("vulkan::Destroy")

	_, _ = b.device.WaitIdle()
	b.commandPool.Destroy(nil)

	if b.ownsDevice {
		b.device.Destroy(nil)
		b.instance.Destroy(nil)
	}
}

func (b *Backend) Name() string {
	return "vulkan"
}

func transferQueueFamily(physicalDevice core1_0.PhysicalDevice) int {
	queueProps := physicalDevice.QueueFamilyProperties()
	for queueIndex, queueFamily := range queueProps {
		if queueFamily.QueueFlags&(core1_0.QueueTransfer|core1_0.QueueGraphics|core1_0.QueueCompute) != 0 {
			return queueIndex
		}
	}
	return -1
}
