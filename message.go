package main

const (
	MsgRunning = "Road Accident Detection API running"

	MsgNoFile = "No file provided"

	MsgPredictionFailed = "Prediction failed"
)
