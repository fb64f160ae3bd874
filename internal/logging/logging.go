package logging

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	"github.com/warp-endpoint-scanner/internal/config"
)

// Setup configures the standard logger. The returned closer releases the
// rotating file sink and is never nil.
func Setup(cfg config.LoggingConfig) (io.Closer, error) {
	return Configure(log.StandardLogger(), cfg)
}

// Configure applies level, format and the optional daily-rotated file sink to logger
func Configure(logger *log.Logger, cfg config.LoggingConfig) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nopCloser{}, fmt.Errorf("parse log level: %w", err)
	}

	var format log.Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		format = &log.JSONFormatter{}
	case "text":
		format = &log.TextFormatter{FullTimestamp: true}
	default:
		return nopCloser{}, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	logger.SetFormatter(format)
	logger.SetLevel(level)

	if cfg.File == "" {
		return nopCloser{}, nil
	}

	ext := filepath.Ext(cfg.File)
	base := strings.TrimSuffix(cfg.File, ext)
	if ext == "" {
		ext = ".log"
	}

	logf, err := rotatelogs.New(
		base+"-%Y%m%d"+ext,
		rotatelogs.WithLinkName(cfg.File),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		return nopCloser{}, fmt.Errorf("create rotating log: %w", err)
	}

	logger.AddHook(lfshook.NewHook(
		lfshook.WriterMap{
			log.DebugLevel: logf,
			log.InfoLevel:  logf,
			log.WarnLevel:  logf,
			log.ErrorLevel: logf,
			log.FatalLevel: logf,
			log.PanicLevel: logf,
		},
		format,
	))

	return logf, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
