package models

import "time"

// Detection is one box reported by the model, in original image pixels.
type Detection struct {
	Box   [4]float32 // left, top, right, bottom
	Score float32
	Class int
}

type ProcessingTimings struct {
	RequestID   string
	ImageDecode time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
