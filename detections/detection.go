package detections

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	_ "golang.org/x/image/webp"

	"github.com/roadsafe/accident-detection-service/models"
)

// Stage names the step of the pipeline that failed.
type Stage string

const (
	StageDecode      Stage = "decode"
	StageAcquire     Stage = "acquire"
	StagePreprocess  Stage = "preprocess"
	StageInference   Stage = "inference"
	StagePostprocess Stage = "postprocess"
)

type ProcessingError struct {
	Stage Stage
	Cause error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Cause)
	}
	return string(e.Stage)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

func stageError(stage Stage, err error) error {
	return &ProcessingError{Stage: stage, Cause: err}
}

var ErrEmptyImage = errors.New("empty image data")

// DecodeImage decodes any registered raster format (jpeg, png, gif, bmp,
// tiff, webp).
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, stageError(StageDecode, ErrEmptyImage)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, stageError(StageDecode, err)
	}
	return img, nil
}

// ProcessImage runs one forward pass on img using the given session and
// returns detections in source image pixels, highest score first.
func ProcessImage(ctx context.Context, img image.Image, model *ModelSession, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, stageError(StagePreprocess, err)
	}

	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, stageError(StagePreprocess, ErrEmptyImage)
	}

	// Letterbox and fill the input tensor
	prepStart := time.Now()
	lb := newLetterbox(bounds.Dx(), bounds.Dy(), model.layout.InputSize)
	fillCHW(model.Input.GetData(), lb.apply(img))
	timings.Preprocess = time.Since(prepStart)

	// Run inference
	inferStart := time.Now()
	if err := model.Session.Run(); err != nil {
		return nil, stageError(StageInference, errors.Wrap(err, "model inference"))
	}
	timings.Inference = time.Since(inferStart)

	// Decode and suppress
	postStart := time.Now()
	candidates, err := decodeOutput(model.Output.GetData(), model.layout.Output, model.config.ConfidenceThreshold)
	if err != nil {
		return nil, stageError(StagePostprocess, err)
	}
	kept := nonMaxSuppression(candidates, model.config.IoUThreshold, model.config.MaxDetections)
	detections := toDetections(kept, lb)
	timings.Postprocess = time.Since(postStart)

	return detections, nil
}
