package detections

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/roadsafe/accident-detection-service/models"
)

// OutputShape is the channels-first YOLO head layout [1, 4+Classes, Anchors].
type OutputShape struct {
	Classes int
	Anchors int
}

func (s OutputShape) Len() int {
	return (4 + s.Classes) * s.Anchors
}

// anchorCount is the number of grid cells across all detection heads for a
// square input of the given size.
func anchorCount(size int) int {
	total := 0
	for _, stride := range Strides {
		cells := size / stride
		total += cells * cells
	}
	return total
}

type candidate struct {
	box   [4]float32 // model space corners
	score float32
	class int
}

// decodeOutput reads the raw head. Rows 0-3 hold cx, cy, w, h in model
// pixels; row 4+c holds the score of class c.
func decodeOutput(output []float32, shape OutputShape, threshold float32) ([]candidate, error) {
	if shape.Classes <= 0 || shape.Anchors <= 0 {
		return nil, errors.Errorf("invalid output shape %+v", shape)
	}
	if len(output) != shape.Len() {
		return nil, errors.Errorf("unexpected predictions length: got %d, want %d", len(output), shape.Len())
	}

	n := shape.Anchors
	candidates := make([]candidate, 0, 100)

	for i := 0; i < n; i++ {
		classID := 0
		best := output[4*n+i]
		for c := 1; c < shape.Classes; c++ {
			if score := output[(4+c)*n+i]; score > best {
				best = score
				classID = c
			}
		}
		if best <= threshold {
			continue
		}

		cx, cy := output[i], output[n+i]
		w, h := output[2*n+i], output[3*n+i]
		candidates = append(candidates, candidate{
			box:   [4]float32{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
			score: best,
			class: classID,
		})
	}

	return candidates, nil
}

// nonMaxSuppression keeps the highest scoring boxes, dropping any box that
// overlaps a kept box of the same class by more than iouThreshold.
func nonMaxSuppression(candidates []candidate, iouThreshold float32, maxDetections int) []candidate {
	if len(candidates) == 0 {
		return candidates
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	kept := make([]candidate, 0, min(len(candidates), maxDetections))
	for _, c := range candidates {
		if len(kept) >= maxDetections {
			break
		}
		suppressed := false
		for _, k := range kept {
			if k.class == c.class && calculateIOU(k.box, c.box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}

	return kept
}

func calculateIOU(box1, box2 [4]float32) float32 {
	x1 := max(box1[0], box2[0])
	y1 := max(box1[1], box2[1])
	x2 := min(box1[2], box2[2])
	y2 := min(box1[3], box2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (box1[2] - box1[0]) * (box1[3] - box1[1])
	area2 := (box2[2] - box2[0]) * (box2[3] - box2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}

// toDetections maps kept candidates back to source image pixels.
func toDetections(kept []candidate, lb letterbox) []models.Detection {
	detections := make([]models.Detection, 0, len(kept))
	for _, k := range kept {
		x1, y1 := lb.unscale(k.box[0], k.box[1])
		x2, y2 := lb.unscale(k.box[2], k.box[3])
		detections = append(detections, models.Detection{
			Box:   [4]float32{x1, y1, x2, y2},
			Score: k.score,
			Class: k.class,
		})
	}
	return detections
}
