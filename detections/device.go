package detections

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sys/cpu"
)

type Backend string

const (
	BackendCPU  Backend = "cpu"
	BackendCUDA Backend = "cuda"
)

// DevicePreference is what the operator asked for; Device is what we got.
type DevicePreference string

const (
	PreferAuto DevicePreference = "auto"
	PreferCUDA DevicePreference = "cuda"
	PreferCPU  DevicePreference = "cpu"
)

var ErrCUDAUnavailable = errors.New("cuda execution provider unavailable")

// Device is resolved once at startup and never changes afterwards.
type Device struct {
	Backend Backend
	ID      int
}

func (d Device) String() string {
	return string(d.Backend)
}

func ParseDevicePreference(s string) (DevicePreference, error) {
	switch p := DevicePreference(strings.ToLower(strings.TrimSpace(s))); p {
	case "", PreferAuto:
		return PreferAuto, nil
	case PreferCUDA, "gpu":
		return PreferCUDA, nil
	case PreferCPU:
		return PreferCPU, nil
	default:
		return "", fmt.Errorf("unknown device %q (want auto, cuda or cpu)", s)
	}
}

// probeCUDA reports whether the loaded onnxruntime library can append the
// CUDA execution provider. Replaced in tests.
var probeCUDA = func(deviceID int) error {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return errors.Wrap(err, "create session options")
	}
	defer options.Destroy()

	cudaOptions, err := newCUDAOptions(deviceID)
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()

	return options.AppendExecutionProviderCUDA(cudaOptions)
}

// ResolveDevice turns a preference into a concrete device. The onnxruntime
// environment must already be initialized.
func ResolveDevice(pref DevicePreference, deviceID int) (Device, error) {
	cpuDevice := Device{Backend: BackendCPU}

	switch pref {
	case PreferCPU:
		return cpuDevice, nil
	case PreferCUDA:
		if err := probeCUDA(deviceID); err != nil {
			return Device{}, errors.Wrapf(ErrCUDAUnavailable, "device %d: %v", deviceID, err)
		}
		return Device{Backend: BackendCUDA, ID: deviceID}, nil
	default:
		if err := probeCUDA(deviceID); err != nil {
			return cpuDevice, nil
		}
		return Device{Backend: BackendCUDA, ID: deviceID}, nil
	}
}

func newCUDAOptions(deviceID int) (*ort.CUDAProviderOptions, error) {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return nil, errors.Wrap(err, "create cuda provider options")
	}
	err = cudaOptions.Update(map[string]string{
		"device_id": strconv.Itoa(deviceID),
	})
	if err != nil {
		cudaOptions.Destroy()
		return nil, errors.Wrap(err, "update cuda provider options")
	}
	return cudaOptions, nil
}

// apply appends the execution provider for d to the session options.
func (d Device) apply(options *ort.SessionOptions) error {
	if d.Backend != BackendCUDA {
		return nil
	}

	cudaOptions, err := newCUDAOptions(d.ID)
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()

	return errors.Wrap(options.AppendExecutionProviderCUDA(cudaOptions), "append cuda provider")
}

// IntraOpThreads is the onnxruntime thread count for each of sessions
// sessions on d. A configured value wins. CPU sessions split the cores
// between them; a CUDA session keeps one host thread.
func (d Device) IntraOpThreads(configured, sessions int) int {
	if configured > 0 {
		return configured
	}
	if d.Backend == BackendCUDA {
		return 1
	}
	return max(1, runtime.NumCPU()/max(1, sessions))
}

// CPUFeatures lists the vector extensions the host CPU offers.
func CPUFeatures() []string {
	var features []string
	if cpu.X86.HasSSE41 {
		features = append(features, "sse4.1")
	}
	if cpu.X86.HasAVX2 {
		features = append(features, "avx2")
	}
	if cpu.X86.HasAVX512F {
		features = append(features, "avx512f")
	}
	if cpu.ARM64.HasASIMD {
		features = append(features, "asimd")
	}
	return features
}
