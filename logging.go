package main

import (
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/roadsafe/accident-detection-service/models"
)

const requestIDHeader = "X-Request-ID"

func newLogger(cfg *Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Warnf("Unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	if cfg.Debug {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	return logger
}

// withRequestID tags every request and response with an id, keeping one the
// client already sent.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// withAccessLog logs one line per request through logger.
func withAccessLog(logger *logrus.Logger, next http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, next, func(_ io.Writer, params handlers.LogFormatterParams) {
		logger.WithFields(logrus.Fields{
			"request_id": params.Request.Header.Get(requestIDHeader),
			"method":     params.Request.Method,
			"path":       params.URL.Path,
			"status":     params.StatusCode,
			"size":       params.Size,
			"duration":   time.Since(params.TimeStamp),
		}).Info("request")
	})
}

func logTimings(logger *logrus.Logger, t *models.ProcessingTimings) {
	logger.WithFields(logrus.Fields{
		"request_id":  t.RequestID,
		"decode":      t.ImageDecode,
		"preprocess":  t.Preprocess,
		"inference":   t.Inference,
		"postprocess": t.Postprocess,
		"total":       t.Total,
	}).Debug("processing times")
}
