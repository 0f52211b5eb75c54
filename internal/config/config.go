package config

import (
	"path/filepath"
	"time"
)

type Config struct {
	// DBPath is the sqlite database holding audit events
	DBPath string

	// StorageRoot is the content-addressed file store
	StorageRoot string

	// TempUploadDir holds in-progress chunked upload sessions
	TempUploadDir string

	// QuarantineDir is where infected files are relocated
	QuarantineDir string

	// ScanTimeout bounds a single direct scan invocation
	ScanTimeout time.Duration

	// QueueCapacity bounds how many scan requests may wait in the FIFO queue
	QueueCapacity int

	Verbose bool
}

func DefaultConfig() *Config {
	return &Config{
		DBPath:        "sentinel.db",
		StorageRoot:   filepath.Join("storage", "content"),
		TempUploadDir: filepath.Join(".temp", "uploads"),
		QuarantineDir: filepath.Join("storage", "quarantine"),
		ScanTimeout:   60 * time.Second,
		QueueCapacity: 64,
		Verbose:       false,
	}
}
