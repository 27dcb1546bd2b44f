package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/roadsafe/accident-detection-service/detections"
)

const defaultModelFile = "best.onnx"

type Config struct {
	Addr            string
	ModelPath       string
	LibraryPath     string
	Device          string
	CUDADeviceID    int
	PoolSize        int
	AcquireTimeout  time.Duration // 0 waits until the request is cancelled
	NumClasses      int
	IntraOpThreads  int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	MaxFrameBytes   int64
	LogLevel        string
	Debug           bool
}

// LoadConfig reads the environment, after merging in the optional .env file.
// Variables already set in the environment win over the file.
func LoadConfig() (*Config, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	return &Config{
		Addr:            getEnv("ADDR", "0.0.0.0:5000"),
		ModelPath:       getEnv("MODEL_PATH", filepath.Join(executableDir(), defaultModelFile)),
		LibraryPath:     getEnv("ONNXRUNTIME_LIB", ""),
		Device:          getEnv("DEVICE", "auto"),
		CUDADeviceID:    getEnvAsInt("CUDA_DEVICE_ID", 0),
		PoolSize:        getEnvAsInt("POOL_SIZE", DefaultPoolSize),
		AcquireTimeout:  getEnvAsDuration("ACQUIRE_TIMEOUT", 0),
		NumClasses:      getEnvAsInt("NUM_CLASSES", 1),
		IntraOpThreads:  getEnvAsInt("INTRA_OP_THREADS", 0),
		ReadTimeout:     getEnvAsDuration("READ_TIMEOUT", 60*time.Second),
		WriteTimeout:    getEnvAsDuration("WRITE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxFrameBytes:   int64(getEnvAsInt("MAX_FRAME_BYTES", 16<<20)),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Debug:           os.Getenv("DEBUG") == "true",
	}, nil
}

func (c *Config) detectorConfig() detections.Config {
	cfg := detections.DefaultConfig(c.ModelPath)
	cfg.NumClasses = c.NumClasses
	cfg.IntraOpThreads = c.IntraOpThreads
	return cfg
}

// executableDir is where the binary lives; artifacts default to sit next to it.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
