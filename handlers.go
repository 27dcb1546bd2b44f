package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/roadsafe/accident-detection-service/detections"
	"github.com/roadsafe/accident-detection-service/models"
	"github.com/roadsafe/accident-detection-service/verdict"
)

const maxUploadMemory = 10 << 20

var errNoFile = errors.New(MsgNoFile)

// ModelHost runs the detector. *ModelSessionPool is the production one.
type ModelHost interface {
	Predict(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error)
	Stats() PoolStats
}

// AppState is built once at startup and only read afterwards.
type AppState struct {
	Device        detections.Device
	Host          ModelHost
	Policy        verdict.Policy
	Log           *logrus.Logger
	MaxFrameBytes int64
	CPUFeatures   []string

	streams streamGroup
}

type IndexResponse struct {
	Message string `json:"message"`
	Device  string `json:"device"`
}

type PredictionResponse struct {
	Boxes              [][4]float32 `json:"boxes"`
	Scores             []float32    `json:"scores"`
	Classes            []int        `json:"classes"`
	Accident           bool         `json:"accident"`
	AccidentConfidence float64      `json:"accident_confidence"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func newPredictionResponse(dets []models.Detection, v verdict.Verdict) PredictionResponse {
	resp := PredictionResponse{
		Boxes:              make([][4]float32, 0, len(dets)),
		Scores:             make([]float32, 0, len(dets)),
		Classes:            make([]int, 0, len(dets)),
		Accident:           v.Accident,
		AccidentConfidence: v.Confidence,
	}
	for _, d := range dets {
		resp.Boxes = append(resp.Boxes, d.Box)
		resp.Scores = append(resp.Scores, d.Score)
		resp.Classes = append(resp.Classes, d.Class)
	}
	return resp
}

func (s *AppState) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods("GET")
	r.HandleFunc("/predict", s.handlePredict).Methods("POST")
	r.HandleFunc("/ws", s.handleStream).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.addMonitoringRoutes(r)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", requestIDHeader}),
		handlers.ExposedHeaders([]string{requestIDHeader}),
	)

	return withRequestID(withAccessLog(s.Log, cors(r)))
}

func (s *AppState) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, IndexResponse{
		Message: MsgRunning,
		Device:  s.Device.String(),
	})
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *AppState) handlePredict(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(requestIDHeader)

	imgBytes, err := readUpload(r)
	if errors.Is(err, errNoFile) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: MsgNoFile})
		return
	}
	if err != nil {
		s.writePredictionError(w, requestID, err)
		return
	}

	resp, err := s.predict(r.Context(), imgBytes, requestID)
	if err != nil {
		s.writePredictionError(w, requestID, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// predict is the whole pipeline for one encoded image: decode, detect, decide.
func (s *AppState) predict(ctx context.Context, data []byte, requestID string) (PredictionResponse, error) {
	startTotal := time.Now()
	timings := &models.ProcessingTimings{RequestID: requestID}

	// Decode image
	decodeStart := time.Now()
	img, err := detections.DecodeImage(data)
	timings.ImageDecode = time.Since(decodeStart)
	if err != nil {
		return PredictionResponse{}, err
	}

	dets, err := s.Host.Predict(ctx, img, timings)
	if err != nil {
		return PredictionResponse{}, err
	}

	v := s.Policy.Evaluate(dets)

	timings.Total = time.Since(startTotal)
	logTimings(s.Log, timings)

	return newPredictionResponse(dets, v), nil
}

// writePredictionError maps every processing failure to one 500. The stage
// only goes to the log.
func (s *AppState) writePredictionError(w http.ResponseWriter, requestID string, err error) {
	s.logPredictionError(requestID, err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   MsgPredictionFailed,
		Details: err.Error(),
	})
}

func (s *AppState) logPredictionError(requestID string, err error) {
	entry := s.Log.WithField("request_id", requestID).WithError(err)
	var perr *detections.ProcessingError
	if errors.As(err, &perr) {
		entry = entry.WithField("stage", perr.Stage)
	}
	entry.Error("prediction failed")
}

// readUpload returns the image bytes from a multipart "file" field or from a
// JSON body {"image": "<base64>"}.
func readUpload(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return handleJSONRequest(r)
	}
	return handleMultipartRequest(r)
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
		return nil, errNoFile
	}
	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return nil, &detections.ProcessingError{Stage: detections.StageDecode, Cause: err}
	}
	return data, nil
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, errNoFile
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, errNoFile
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, &detections.ProcessingError{Stage: detections.StageDecode, Cause: err}
	}
	return data, nil
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		PoolStats
		Device      string   `json:"device"`
		CPUFeatures []string `json:"cpu_features"`
	}{
		PoolStats:   s.Host.Stats(),
		Device:      s.Device.String(),
		CPUFeatures: s.CPUFeatures,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
