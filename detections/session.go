package detections

import (
	"os"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// Config holds the fixed inference parameters. None of them are request
// configurable.
type Config struct {
	ModelPath           string
	InputSize           int
	ConfidenceThreshold float32
	IoUThreshold        float32
	MaxDetections       int
	// NumClasses is only used when the model declares a dynamic output shape.
	NumClasses     int
	IntraOpThreads int
}

func DefaultConfig(modelPath string) Config {
	return Config{
		ModelPath:           modelPath,
		InputSize:           InputSize,
		ConfidenceThreshold: ConfThreshold,
		IoUThreshold:        IoUThreshold,
		MaxDetections:       MaxDetections,
		NumClasses:          1,
	}
}

// Layout is what the model file says about its tensors.
type Layout struct {
	InputName  string
	OutputName string
	InputSize  int
	Output     OutputShape
}

var ErrModelNotFound = errors.New("model file not found")

// InspectModel reads tensor names and shapes from the model file.
func InspectModel(cfg Config) (Layout, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return Layout{}, errors.Wrapf(ErrModelNotFound, "%s: %v", cfg.ModelPath, err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return Layout{}, errors.Wrap(err, "read model io info")
	}
	return layoutFromInfo(inputs, outputs, cfg)
}

func layoutFromInfo(inputs, outputs []ort.InputOutputInfo, cfg Config) (Layout, error) {
	if len(inputs) == 0 || len(outputs) == 0 {
		return Layout{}, errors.Errorf("model has %d inputs and %d outputs", len(inputs), len(outputs))
	}

	in, out := inputs[0], outputs[0]
	layout := Layout{
		InputName:  in.Name,
		OutputName: out.Name,
		InputSize:  cfg.InputSize,
	}

	if dims := in.Dimensions; len(dims) == 4 {
		if dims[1] > 0 && dims[1] != 3 {
			return Layout{}, errors.Errorf("input %q has %d channels, want 3", in.Name, dims[1])
		}
		if dims[2] > 0 && dims[2] == dims[3] {
			layout.InputSize = int(dims[2])
		}
	} else {
		return Layout{}, errors.Errorf("input %q has shape %v, want [1 3 H W]", in.Name, dims)
	}

	dims := out.Dimensions
	if len(dims) != 3 {
		return Layout{}, errors.Errorf("output %q has shape %v, want [1 4+classes anchors]", out.Name, dims)
	}
	switch {
	case dims[1] > 4:
		layout.Output.Classes = int(dims[1]) - 4
	case dims[1] <= 0 && cfg.NumClasses > 0:
		layout.Output.Classes = cfg.NumClasses
	case dims[1] <= 0:
		return Layout{}, errors.Errorf("output %q has a dynamic class axis and no class count is configured", out.Name)
	default:
		return Layout{}, errors.Errorf("output %q has %d rows, want 4+classes", out.Name, dims[1])
	}

	if dims[2] > 0 {
		layout.Output.Anchors = int(dims[2])
	} else {
		layout.Output.Anchors = anchorCount(layout.InputSize)
	}

	return layout, nil
}

// ModelSession is one onnxruntime session with its own bound tensors. It must
// not be used by two goroutines at once.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
	config  Config
	layout  Layout
}

func NewModelSession(cfg Config, layout Layout, device Device) (*ModelSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating session options")
	}
	defer options.Destroy()

	if cfg.IntraOpThreads > 0 {
		options.SetIntraOpNumThreads(cfg.IntraOpThreads)
	}
	options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll)

	if err := device.apply(options); err != nil {
		return nil, err
	}

	size := int64(layout.InputSize)
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}

	outputShape := ort.NewShape(1, int64(4+layout.Output.Classes), int64(layout.Output.Anchors))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "error creating output tensor")
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{layout.InputName},
		[]string{layout.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrap(err, "error creating session")
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
		config:  cfg,
		layout:  layout,
	}, nil
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
	if m.Input != nil {
		m.Input.Destroy()
	}
	if m.Output != nil {
		m.Output.Destroy()
	}
}
