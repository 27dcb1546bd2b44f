package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	ort "github.com/yalue/onnxruntime_go"
)

// libraryName returns the onnxruntime shared library expected under lib/ for
// the given platform.
func libraryName(goos, goarch string) (string, error) {
	switch goos {
	case "windows":
		if goarch == "amd64" {
			return "onnxruntime.dll", nil
		}
	case "darwin":
		if goarch == "arm64" {
			return "onnxruntime_arm64.dylib", nil
		}
		return "onnxruntime.dylib", nil
	case "linux":
		if goarch == "arm64" {
			return "onnxruntime_arm64.so", nil
		}
		return "onnxruntime.so", nil
	}
	return "", fmt.Errorf("no onnxruntime library for %s/%s", goos, goarch)
}

// resolveLibraryPath validates an explicit library path, or falls back to
// lib/<platform library> next to the executable.
func resolveLibraryPath(explicit string) (string, error) {
	libPath := explicit
	if libPath == "" {
		name, err := libraryName(runtime.GOOS, runtime.GOARCH)
		if err != nil {
			return "", err
		}
		libPath = filepath.Join(executableDir(), "lib", name)
	}

	if _, err := os.Stat(libPath); err != nil {
		return "", fmt.Errorf("onnxruntime library not found: %s: %w", libPath, err)
	}
	return libPath, nil
}

func initRuntime(libPath string) error {
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("error initializing onnxruntime environment: %w", err)
	}
	return nil
}
