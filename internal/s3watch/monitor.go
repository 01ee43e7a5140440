package s3watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrBucketAccessDenied = errors.New("bucket access denied")
)

const (
	defaultPollInterval = 30 * time.Second
	stopWaitTimeout     = 5 * time.Second
)

type s3API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type StaticCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

type Options struct {
	Bucket  string
	Prefix  string
	Formats []string
	// OnObject receives the local download path, the remote key, and the
	// object's ETag. The key, not the local path, is the tracking
	// identifier.
	OnObject     func(localPath, key, etag string)
	Region       string
	Credentials  *StaticCredentials
	PollInterval time.Duration
	DateFilter   *DateFilter
	Logger       *slog.Logger

	// Client overrides the S3 client, mainly for tests.
	Client s3API
}

// Monitor polls a bucket prefix on a timer, downloads new-or-changed
// objects to a scratch directory, and dispatches them to the callback. An
// object is "new" when its key:etag composite has not been dispatched
// during this process's lifetime; the persisted tracker, not this set, is
// what survives restarts.
type Monitor struct {
	client       s3API
	bucket       string
	prefix       string
	formats      map[string]struct{}
	onObject     func(localPath, key, etag string)
	pollInterval time.Duration
	filter       *DateFilter
	scratchDir   string
	logger       *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	seen    map[string]struct{}
}

type objectInfo struct {
	Key  string
	ETag string
}

// NewMonitor validates bucket access up front and fails fast with a
// distinguishable error for a missing bucket versus denied access.
func NewMonitor(ctx context.Context, opts Options) (*Monitor, error) {
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if opts.OnObject == nil {
		return nil, fmt.Errorf("object callback is required")
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "s3-monitor")

	client := opts.Client
	if client == nil {
		built, err := buildClient(ctx, opts)
		if err != nil {
			return nil, err
		}
		client = built
	}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, classifyBucketError(bucket, err)
	}

	scratchDir, err := os.MkdirTemp("", "faxrelay-s3-")
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	logger.Info("initialized s3 monitor", "bucket", bucket, "prefix", opts.Prefix)
	return &Monitor{
		client:       client,
		bucket:       bucket,
		prefix:       strings.TrimSpace(opts.Prefix),
		formats:      formatSet(opts.Formats),
		onObject:     opts.OnObject,
		pollInterval: pollInterval,
		filter:       opts.DateFilter,
		scratchDir:   scratchDir,
		logger:       logger,
		seen:         map[string]struct{}{},
	}, nil
}

func buildClient(ctx context.Context, opts Options) (*s3.Client, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if region := strings.TrimSpace(opts.Region); region != "" {
		optFns = append(optFns, awsconfig.WithRegion(region))
	}
	if creds := opts.Credentials; creds != nil {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

func classifyBucketError(bucket string, err error) error {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
		case "Forbidden", "AccessDenied":
			return fmt.Errorf("%w: %s", ErrBucketAccessDenied, bucket)
		}
	}
	return fmt.Errorf("access bucket %s: %w", bucket, err)
}

// Start spawns the poll loop. Calling Start while already running is a
// logged no-op; it does not restart the loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.logger.Warn("s3 monitor already running")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	go m.loop(ctx)
	m.logger.Info("started s3 monitoring", "interval", m.pollInterval)
	return nil
}

// Stop signals the loop, waits for it with a bounded timeout, then removes
// the scratch directory best-effort. An object mid-processing is allowed to
// finish; no new cycle begins after the signal.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopWaitTimeout):
		m.logger.Warn("timed out waiting for poll loop to exit")
	}

	if err := os.RemoveAll(m.scratchDir); err != nil {
		m.logger.Warn("failed to remove scratch directory", "dir", m.scratchDir, "error", err)
	}
	m.logger.Info("stopped s3 monitoring")
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		m.pollOnce(ctx)
		if err := waitWithContext(ctx, m.pollInterval); err != nil {
			return
		}
	}
}

// pollOnce runs one list-and-dispatch cycle. Cycle errors are logged and
// absorbed so the loop always reaches the next cycle.
func (m *Monitor) pollOnce(ctx context.Context) {
	objects, err := m.listObjects(ctx)
	if err != nil {
		m.logger.Error("error during s3 polling", "error", err)
		return
	}
	for _, obj := range objects {
		if ctx.Err() != nil {
			return
		}
		composite := obj.Key + ":" + obj.ETag
		if _, ok := m.seen[composite]; ok {
			continue
		}
		m.logger.Info("new s3 object detected", "key", obj.Key)
		m.processObject(ctx, obj.Key)
		m.seen[composite] = struct{}{}
	}
}

func (m *Monitor) listObjects(ctx context.Context) ([]objectInfo, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(m.bucket)}
	if m.prefix != "" {
		input.Prefix = aws.String(m.prefix)
	}
	var objects []objectInfo
	paginator := s3.NewListObjectsV2Paginator(m.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			if _, ok := m.formats[extensionOf(key)]; !ok {
				continue
			}
			if !m.filter.Matches(key) {
				continue
			}
			objects = append(objects, objectInfo{
				Key:  key,
				ETag: strings.Trim(aws.ToString(obj.ETag), `"`),
			})
		}
	}
	return objects, nil
}

// ProcessKey downloads one object and dispatches it to the callback. Used
// by the poll loop and by existing-candidate sweeps. Per-object failures
// are logged, never propagated; the temp file is removed regardless of
// callback outcome.
func (m *Monitor) ProcessKey(key string) {
	m.processObject(context.Background(), key)
}

func (m *Monitor) processObject(ctx context.Context, key string) {
	localPath, etag, err := m.downloadObject(ctx, key)
	if err != nil {
		m.logger.Error("error processing s3 object", "key", key, "error", err)
		return
	}
	defer m.cleanupTempFile(localPath)
	m.onObject(localPath, key, etag)
}

func (m *Monitor) downloadObject(ctx context.Context, key string) (string, string, error) {
	file, err := os.CreateTemp(m.scratchDir, "obj-*"+path.Ext(key))
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	localPath := file.Name()

	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		_ = file.Close()
		_ = os.Remove(localPath)
		return "", "", fmt.Errorf("download %s: %w", key, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(file, out.Body); err != nil {
		_ = file.Close()
		_ = os.Remove(localPath)
		return "", "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(localPath)
		return "", "", err
	}
	etag := strings.Trim(aws.ToString(out.ETag), `"`)
	m.logger.Debug("downloaded s3 object", "key", key, "path", localPath)
	return localPath, etag, nil
}

func (m *Monitor) cleanupTempFile(localPath string) {
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to clean up temp file", "path", localPath, "error", err)
	}
}

// ExistingFiles lists and filters the bucket once without downloading.
// Unlike the filesystem monitor, it returns remote keys, not local paths.
func (m *Monitor) ExistingFiles() []string {
	objects, err := m.listObjects(context.Background())
	if err != nil {
		m.logger.Error("error listing s3 objects", "error", err)
		return nil
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	m.logger.Info("found existing s3 objects", "count", len(keys))
	return keys
}

// DeleteObject removes a remote object best-effort.
func (m *Monitor) DeleteObject(key string) bool {
	_, err := m.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		m.logger.Error("error deleting s3 object", "key", key, "error", err)
		return false
	}
	m.logger.Info("deleted s3 object", "key", key)
	return true
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func formatSet(formats []string) map[string]struct{} {
	set := make(map[string]struct{}, len(formats))
	for _, format := range formats {
		format = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(format, ".")))
		if format != "" {
			set[format] = struct{}{}
		}
	}
	return set
}

func extensionOf(key string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(key), "."))
}
