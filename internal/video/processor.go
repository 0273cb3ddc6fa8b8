package video

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Upload is a raw video upload handed to the processor
type Upload struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// StoredVideo describes a validated, saved video file
type StoredVideo struct {
	Path      string `json:"path"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
}

// Stats summarizes the permanent video storage directory
type Stats struct {
	TotalVideos int   `json:"total_videos"`
	TotalBytes  int64 `json:"total_bytes"`
}

// ProcessorConfig defines configuration for video intake
type ProcessorConfig struct {
	StorageDir     string
	TempDir        string
	MaxFileSizeMB  int
	AllowedFormats []string
}

// Processor validates uploaded videos and saves them under unique names,
// to temporary storage for immediate posting or permanent storage for
// scheduled posts.
type Processor struct {
	logger *zap.Logger
	cfg    ProcessorConfig
}

// NewProcessor creates a video processor
func NewProcessor(cfg ProcessorConfig, logger *zap.Logger) *Processor {
	if cfg.MaxFileSizeMB == 0 {
		cfg.MaxFileSizeMB = 200
	}
	if len(cfg.AllowedFormats) == 0 {
		cfg.AllowedFormats = []string{"mp4", "mov", "avi"}
	}
	return &Processor{logger: logger, cfg: cfg}
}

// Process validates an upload and writes it to disk under a unique filename
func (p *Processor) Process(upload Upload, temporary bool) (*StoredVideo, error) {
	if err := p.validate(upload); err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(upload.Name))
	filename := uuid.New().String() + ext

	dir := p.cfg.StorageDir
	if temporary {
		dir = p.cfg.TempDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	path := filepath.Join(dir, filename)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create video file: %w", err)
	}

	written, err := io.Copy(f, upload.Reader)
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to save video: %w", err)
	}

	p.logger.Info("Video saved",
		zap.String("path", path),
		zap.Int64("size_bytes", written),
		zap.Bool("temporary", temporary))

	return &StoredVideo{Path: path, Filename: filename, SizeBytes: written}, nil
}

func (p *Processor) validate(upload Upload) error {
	if upload.Size == 0 {
		return fmt.Errorf("file is empty")
	}
	maxBytes := int64(p.cfg.MaxFileSizeMB) << 20
	if upload.Size > maxBytes {
		return fmt.Errorf("file size exceeds limit (%dMB)", p.cfg.MaxFileSizeMB)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(upload.Name), "."))
	for _, allowed := range p.cfg.AllowedFormats {
		if ext == strings.ToLower(allowed) {
			return nil
		}
	}
	return fmt.Errorf("unsupported format %q, allowed: %s", ext, strings.Join(p.cfg.AllowedFormats, ", "))
}

// Stats reports the number and combined size of stored videos
func (p *Processor) Stats() (*Stats, error) {
	entries, err := os.ReadDir(p.cfg.StorageDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Stats{}, nil
		}
		return nil, fmt.Errorf("failed to read storage directory: %w", err)
	}

	stats := &Stats{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stats.TotalVideos++
		stats.TotalBytes += info.Size()
	}
	return stats, nil
}
