package detections

const (
	InputSize     = 640
	ConfThreshold = 0.25
	IoUThreshold  = 0.7
	MaxDetections = 300
	PadValue      = 114
)

// Strides of the three YOLO detection heads.
var Strides = [...]int{8, 16, 32}
