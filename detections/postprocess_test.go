package detections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// head builds a channels-first output tensor from per-anchor rows of
// cx, cy, w, h, class scores...
func head(classes int, anchors [][]float32) []float32 {
	n := len(anchors)
	out := make([]float32, (4+classes)*n)
	for i, a := range anchors {
		for row, v := range a {
			out[row*n+i] = v
		}
	}
	return out
}

func TestAnchorCount(t *testing.T) {
	assert.Equal(t, 8400, anchorCount(640))
	assert.Equal(t, 2100, anchorCount(320))
}

func TestDecodeOutput(t *testing.T) {
	output := head(2, [][]float32{
		{100, 100, 20, 40, 0.9, 0.1},
		{50, 50, 10, 10, 0.1, 0.2},
		{300, 200, 100, 50, 0.3, 0.6},
		{10, 10, 4, 4, 0.25, 0.0},
	})

	candidates, err := decodeOutput(output, OutputShape{Classes: 2, Anchors: 4}, 0.25)
	require.NoError(t, err)
	require.Len(t, candidates, 2, "score equal to the threshold is dropped")

	assert.Equal(t, [4]float32{90, 80, 110, 120}, candidates[0].box)
	assert.Equal(t, 0, candidates[0].class)
	assert.Equal(t, float32(0.9), candidates[0].score)

	assert.Equal(t, [4]float32{250, 175, 350, 225}, candidates[1].box)
	assert.Equal(t, 1, candidates[1].class)
}

func TestDecodeOutputThresholdIsStrict(t *testing.T) {
	output := head(1, [][]float32{
		{10, 10, 4, 4, 0.25},
		{20, 20, 4, 4, 0.2501},
	})

	candidates, err := decodeOutput(output, OutputShape{Classes: 1, Anchors: 2}, 0.25)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, float32(0.2501), candidates[0].score)
}

func TestDecodeOutputRejectsBadLength(t *testing.T) {
	_, err := decodeOutput(make([]float32, 10), OutputShape{Classes: 1, Anchors: 4}, 0.25)
	assert.Error(t, err)

	_, err = decodeOutput(nil, OutputShape{}, 0.25)
	assert.Error(t, err)
}

func TestCalculateIOU(t *testing.T) {
	tests := []struct {
		name string
		a, b [4]float32
		want float32
	}{
		{"identical", [4]float32{0, 0, 10, 10}, [4]float32{0, 0, 10, 10}, 1},
		{"disjoint", [4]float32{0, 0, 10, 10}, [4]float32{20, 20, 30, 30}, 0},
		{"touching edges", [4]float32{0, 0, 10, 10}, [4]float32{10, 0, 20, 10}, 0},
		{"half overlap", [4]float32{0, 0, 10, 10}, [4]float32{5, 0, 15, 10}, 1.0 / 3.0},
		{"degenerate", [4]float32{5, 5, 5, 5}, [4]float32{5, 5, 5, 5}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, calculateIOU(tt.a, tt.b), 1e-6)
		})
	}
}

func TestNonMaxSuppression(t *testing.T) {
	t.Run("drops same class overlap", func(t *testing.T) {
		kept := nonMaxSuppression([]candidate{
			{box: [4]float32{0, 0, 100, 100}, score: 0.6, class: 0},
			{box: [4]float32{2, 2, 100, 100}, score: 0.9, class: 0},
		}, 0.7, 300)
		require.Len(t, kept, 1)
		assert.Equal(t, float32(0.9), kept[0].score)
	})

	t.Run("keeps overlap across classes", func(t *testing.T) {
		kept := nonMaxSuppression([]candidate{
			{box: [4]float32{0, 0, 100, 100}, score: 0.6, class: 0},
			{box: [4]float32{0, 0, 100, 100}, score: 0.9, class: 1},
		}, 0.7, 300)
		require.Len(t, kept, 2)
		assert.Equal(t, 1, kept[0].class)
		assert.Equal(t, 0, kept[1].class)
	})

	t.Run("keeps moderate overlap", func(t *testing.T) {
		kept := nonMaxSuppression([]candidate{
			{box: [4]float32{0, 0, 10, 10}, score: 0.8, class: 0},
			{box: [4]float32{5, 0, 15, 10}, score: 0.7, class: 0},
		}, 0.7, 300)
		assert.Len(t, kept, 2)
	})

	t.Run("caps detections", func(t *testing.T) {
		candidates := make([]candidate, 0, 10)
		for i := 0; i < 10; i++ {
			x := float32(i * 20)
			candidates = append(candidates, candidate{box: [4]float32{x, 0, x + 10, 10}, score: float32(i) / 10, class: 0})
		}
		kept := nonMaxSuppression(candidates, 0.7, 3)
		require.Len(t, kept, 3)
		assert.Equal(t, float32(0.9), kept[0].score)
		assert.Equal(t, float32(0.7), kept[2].score)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Empty(t, nonMaxSuppression(nil, 0.7, 300))
	})
}

func TestToDetections(t *testing.T) {
	lb := newLetterbox(1280, 720, 640)
	detections := toDetections([]candidate{
		{box: [4]float32{100, 190, 200, 290}, score: 0.8, class: 0},
	}, lb)

	require.Len(t, detections, 1)
	d := detections[0]
	assert.InDeltaSlice(t, []float32{200, 100, 400, 300}, d.Box[:], 1e-3)
	assert.Equal(t, float32(0.8), d.Score)
	assert.Equal(t, 0, d.Class)
}
