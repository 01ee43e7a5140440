package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/faxrelay/internal/faxrelay"
	"github.com/agentworkforce/faxrelay/internal/fswatch"
	"github.com/agentworkforce/faxrelay/internal/httpapi"
	"github.com/agentworkforce/faxrelay/internal/s3watch"
)

const (
	defaultFilenamePattern  = `(\d+)_(\d+)\.(jpg|jpeg|png|gif|tiff|tif|bmp|webp)`
	defaultSupportedFormats = "jpg,jpeg,png,gif,tiff,tif,bmp,webp"
	defaultStateFile        = ".faxrelay_state.json"
	defaultHeaderName       = "x-collector-api-token"
)

type config struct {
	sourceType       faxrelay.SourceType
	watchDirectory   string
	bucket           string
	prefix           string
	region           string
	credentials      *s3watch.StaticCredentials
	dateFilter       *s3watch.DateFilter
	pollInterval     time.Duration
	s3DeleteAfter    bool
	collectorURL     string
	collectorToken   string
	collectorHeader  string
	filenamePattern  *regexp.Regexp
	supportedFormats []string
	deleteAfterSend  bool
	stateDSN         string
	processExisting  bool
	ingressLists     []string
	apiAddr          string
}

func main() {
	logger := newLogger()

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := faxrelay.BuildStateBackendFromDSN(cfg.stateDSN)
	if err != nil {
		logger.Error("failed to initialize state backend", "dsn", cfg.stateDSN, "error", err)
		os.Exit(1)
	}
	tracker := faxrelay.NewStateTracker(backend, logger)
	defer tracker.Close()

	headers := map[string]string{}
	if cfg.collectorToken != "" {
		headers[cfg.collectorHeader] = cfg.collectorToken
	}
	poster := faxrelay.NewHTTPPoster(cfg.collectorURL, headers, cfg.ingressLists, logger)

	broadcaster := httpapi.NewBroadcaster()
	pipeline, err := faxrelay.NewPipeline(faxrelay.PipelineOptions{
		SourceType:      cfg.sourceType,
		Parser:          faxrelay.NewFilenameParser(cfg.filenamePattern),
		Builder:         faxrelay.NewEnvelopeBuilder(logger),
		Poster:          poster,
		Tracker:         tracker,
		DeleteAfterSend: cfg.deleteAfterSend,
		ProcessExisting: cfg.processExisting,
		Events:          broadcaster,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to build pipeline", "error", err)
		os.Exit(1)
	}

	if err := attachSource(ctx, cfg, pipeline, logger); err != nil {
		logger.Error("failed to initialize source", "error", err)
		os.Exit(1)
	}

	if cfg.apiAddr != "" {
		server := &http.Server{
			Addr:    cfg.apiAddr,
			Handler: httpapi.NewServer(pipeline, broadcaster, logger),
		}
		go func() {
			logger.Info("status api listening", "addr", cfg.apiAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status api failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if err := pipeline.Start(); err != nil {
		logger.Error("failed to start pipeline", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	pipeline.Stop()
}

func attachSource(ctx context.Context, cfg *config, pipeline *faxrelay.Pipeline, logger *slog.Logger) error {
	switch cfg.sourceType {
	case faxrelay.SourceS3:
		monitor, err := s3watch.NewMonitor(ctx, s3watch.Options{
			Bucket:       cfg.bucket,
			Prefix:       cfg.prefix,
			Formats:      cfg.supportedFormats,
			OnObject:     pipeline.HandleObject,
			Region:       cfg.region,
			Credentials:  cfg.credentials,
			PollInterval: cfg.pollInterval,
			DateFilter:   cfg.dateFilter,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		pipeline.SetObjectSource(monitor)
	default:
		monitor, err := fswatch.NewMonitor(fswatch.Options{
			Directory: cfg.watchDirectory,
			Formats:   cfg.supportedFormats,
			OnFile:    pipeline.HandleFile,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		pipeline.SetSource(monitor)
	}
	return nil
}

func loadConfig() (*config, error) {
	cfg := &config{}

	sourceType := strings.ToLower(strEnv("SOURCE_TYPE", "filesystem"))
	switch sourceType {
	case "filesystem":
		cfg.sourceType = faxrelay.SourceFilesystem
	case "s3":
		cfg.sourceType = faxrelay.SourceS3
	default:
		return nil, fmt.Errorf("SOURCE_TYPE must be 'filesystem' or 's3', got: %s", sourceType)
	}

	cfg.watchDirectory = strEnv("WATCH_DIRECTORY", "")
	if cfg.sourceType == faxrelay.SourceFilesystem && cfg.watchDirectory == "" {
		return nil, fmt.Errorf("WATCH_DIRECTORY is required when SOURCE_TYPE=filesystem")
	}

	cfg.bucket = strEnv("S3_BUCKET_NAME", "")
	if cfg.sourceType == faxrelay.SourceS3 && cfg.bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET_NAME is required when SOURCE_TYPE=s3")
	}
	cfg.prefix = strEnv("S3_PREFIX", "")
	cfg.region = strEnv("S3_REGION", "")

	accessKey := strEnv("AWS_ACCESS_KEY_ID", "")
	secretKey := strEnv("AWS_SECRET_ACCESS_KEY", "")
	if accessKey != "" && secretKey != "" {
		cfg.credentials = &s3watch.StaticCredentials{
			AccessKeyID:     accessKey,
			SecretAccessKey: secretKey,
			SessionToken:    strEnv("AWS_SESSION_TOKEN", ""),
		}
	}

	dateFilter, err := s3watch.NewDateFilter(
		strEnv("S3_DATE_FILTER", ""),
		strEnv("S3_DATE_RANGE_START", ""),
		strEnv("S3_DATE_RANGE_END", ""),
	)
	if err != nil {
		return nil, err
	}
	cfg.dateFilter = dateFilter

	cfg.pollInterval = durationEnv("S3_POLL_INTERVAL", 30*time.Second)
	cfg.s3DeleteAfter = boolEnv("S3_DELETE_AFTER_SEND", false)

	cfg.collectorURL = strEnv("COLLECTOR_URL", "")
	if cfg.collectorURL == "" {
		return nil, fmt.Errorf("COLLECTOR_URL environment variable is required")
	}
	cfg.collectorToken = strEnv("COLLECTOR_API_TOKEN", "")
	cfg.collectorHeader = strEnv("COLLECTOR_HEADER_NAME", defaultHeaderName)

	pattern := strEnv("FILENAME_PATTERN", defaultFilenamePattern)
	compiled, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid FILENAME_PATTERN: %w", err)
	}
	cfg.filenamePattern = compiled

	for _, format := range strings.Split(strEnv("SUPPORTED_FORMATS", defaultSupportedFormats), ",") {
		if format = strings.TrimSpace(format); format != "" {
			cfg.supportedFormats = append(cfg.supportedFormats, format)
		}
	}

	switch cfg.sourceType {
	case faxrelay.SourceS3:
		cfg.deleteAfterSend = cfg.s3DeleteAfter
	default:
		cfg.deleteAfterSend = boolEnv("DELETE_AFTER_SEND", false)
	}

	cfg.stateDSN = strEnv("STATE_BACKEND_DSN", "")
	if cfg.stateDSN == "" {
		cfg.stateDSN = strEnv("STATE_FILE", defaultStateFile)
	}
	cfg.processExisting = boolEnv("PROCESS_EXISTING", true)

	for _, item := range strings.Split(strEnv("INGRESS_LISTS", ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			cfg.ingressLists = append(cfg.ingressLists, item)
		}
	}

	cfg.apiAddr = strEnv("API_ADDR", "")
	return cfg, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strEnv("LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func strEnv(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if raw == "" {
		return fallback
	}
	return raw == "true" || raw == "1" || raw == "yes"
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	// Accept a bare number of seconds as well as Go duration syntax.
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
