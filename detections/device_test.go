package detections

import (
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubCUDA(t *testing.T, err error) *int {
	t.Helper()
	calls := 0
	orig := probeCUDA
	probeCUDA = func(int) error {
		calls++
		return err
	}
	t.Cleanup(func() { probeCUDA = orig })
	return &calls
}

func TestParseDevicePreference(t *testing.T) {
	tests := []struct {
		in      string
		want    DevicePreference
		wantErr bool
	}{
		{in: "", want: PreferAuto},
		{in: "auto", want: PreferAuto},
		{in: " CUDA ", want: PreferCUDA},
		{in: "gpu", want: PreferCUDA},
		{in: "cpu", want: PreferCPU},
		{in: "tpu", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDevicePreference(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveDevice(t *testing.T) {
	t.Run("auto prefers cuda", func(t *testing.T) {
		stubCUDA(t, nil)
		device, err := ResolveDevice(PreferAuto, 1)
		require.NoError(t, err)
		assert.Equal(t, Device{Backend: BackendCUDA, ID: 1}, device)
		assert.Equal(t, "cuda", device.String())
	})

	t.Run("auto falls back to cpu", func(t *testing.T) {
		stubCUDA(t, errors.New("no provider"))
		device, err := ResolveDevice(PreferAuto, 0)
		require.NoError(t, err)
		assert.Equal(t, BackendCPU, device.Backend)
		assert.Equal(t, "cpu", device.String())
	})

	t.Run("cuda required", func(t *testing.T) {
		stubCUDA(t, errors.New("no provider"))
		_, err := ResolveDevice(PreferCUDA, 0)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrCUDAUnavailable))
	})

	t.Run("cpu never probes", func(t *testing.T) {
		calls := stubCUDA(t, nil)
		device, err := ResolveDevice(PreferCPU, 0)
		require.NoError(t, err)
		assert.Equal(t, BackendCPU, device.Backend)
		assert.Zero(t, *calls)
	})
}

func TestIntraOpThreads(t *testing.T) {
	cpuDevice := Device{Backend: BackendCPU}
	cudaDevice := Device{Backend: BackendCUDA}

	assert.Equal(t, 3, cpuDevice.IntraOpThreads(3, 4), "configured value wins")
	assert.Equal(t, 3, cudaDevice.IntraOpThreads(3, 4))
	assert.Equal(t, 1, cudaDevice.IntraOpThreads(0, 4))
	assert.Equal(t, runtime.NumCPU(), cpuDevice.IntraOpThreads(0, 1))
	assert.Equal(t, max(1, runtime.NumCPU()/4), cpuDevice.IntraOpThreads(0, 4))
	assert.Equal(t, 1, cpuDevice.IntraOpThreads(0, runtime.NumCPU()*2))
	assert.Equal(t, runtime.NumCPU(), cpuDevice.IntraOpThreads(0, 0))
}
