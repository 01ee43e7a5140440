package faxrelay

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

type SourceType string

const (
	SourceFilesystem SourceType = "filesystem"
	SourceS3         SourceType = "s3"
)

// Builder turns a local image file plus parsed identity into an envelope.
type Builder interface {
	Build(localPath, sender, receiver, extension string) (*Envelope, error)
}

// Monitor is the capability set shared by both source variants. For the
// filesystem variant ExistingFiles returns absolute paths; for the
// object-storage variant it returns remote keys, and callers branch on
// source type.
type Monitor interface {
	Start() error
	Stop()
	ExistingFiles() []string
}

// ObjectSource extends Monitor with the object-storage operations the
// pipeline needs: processing a key from an existing-files sweep and
// best-effort remote deletion after a successful post.
type ObjectSource interface {
	Monitor
	ProcessKey(key string)
	DeleteObject(key string) bool
}

type Event struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	EnvelopeID string `json:"envelope_id,omitempty"`
	Timestamp  string `json:"timestamp"`
}

type EventSink interface {
	Publish(Event)
}

type PipelineStatus struct {
	SourceType SourceType `json:"source_type"`
	Running    bool       `json:"running"`
	Skipped    uint64     `json:"skipped"`
	Posted     uint64     `json:"posted"`
	Failed     uint64     `json:"failed"`
	Dropped    uint64     `json:"dropped"`
}

type PipelineOptions struct {
	SourceType      SourceType
	Parser          *FilenameParser
	Builder         Builder
	Poster          Poster
	Tracker         *StateTracker
	DeleteAfterSend bool
	ProcessExisting bool
	Events          EventSink
	Logger          *slog.Logger
}

// Pipeline sequences tracker check, parse, build, post, and outcome
// recording for every candidate a monitor surfaces. Parse and build
// failures leave no tracker entry so a later sweep can retry them; post
// failures are recorded as terminal outcomes.
type Pipeline struct {
	sourceType      SourceType
	parser          *FilenameParser
	builder         Builder
	poster          Poster
	tracker         *StateTracker
	deleteAfterSend bool
	processExisting bool
	events          EventSink
	logger          *slog.Logger

	mu      sync.Mutex
	source  Monitor
	objects ObjectSource
	running bool

	counters struct {
		skipped uint64
		posted  uint64
		failed  uint64
		dropped uint64
	}
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Parser == nil {
		return nil, fmt.Errorf("%w: parser is required", ErrInvalidInput)
	}
	if opts.Builder == nil {
		return nil, fmt.Errorf("%w: builder is required", ErrInvalidInput)
	}
	if opts.Poster == nil {
		return nil, fmt.Errorf("%w: poster is required", ErrInvalidInput)
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("%w: tracker is required", ErrInvalidInput)
	}
	sourceType := opts.SourceType
	if sourceType == "" {
		sourceType = SourceFilesystem
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger()
	}
	return &Pipeline{
		sourceType:      sourceType,
		parser:          opts.Parser,
		builder:         opts.Builder,
		poster:          opts.Poster,
		tracker:         opts.Tracker,
		deleteAfterSend: opts.DeleteAfterSend,
		processExisting: opts.ProcessExisting,
		events:          opts.Events,
		logger:          logger.With("component", "pipeline"),
	}, nil
}

// SetSource attaches the filesystem monitor. The monitor must have been
// constructed with this pipeline's HandleFile as its callback.
func (p *Pipeline) SetSource(m Monitor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = m
	p.objects = nil
}

// SetObjectSource attaches the object-storage monitor, which also provides
// the sweep and delete operations.
func (p *Pipeline) SetObjectSource(o ObjectSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = o
	p.objects = o
}

// HandleFile processes one filesystem candidate. It is invoked by the
// filesystem monitor's watch goroutine and by the existing-files sweep,
// one candidate at a time.
func (p *Pipeline) HandleFile(path string) {
	if p.tracker.IsProcessed(path) {
		p.logger.Debug("skipping already processed file", "path", path)
		p.bumpSkipped(path)
		return
	}

	parsed, ok := p.parser.Parse(path)
	if !ok {
		p.logger.Warn("could not parse filename", "path", path)
		p.bumpDropped(path)
		return
	}

	env, err := p.builder.Build(path, parsed.Sender, parsed.Receiver, parsed.Extension)
	if err != nil {
		p.logger.Error("failed to build envelope", "path", path, "error", err)
		p.bumpDropped(path)
		return
	}

	if p.poster.Post(env) {
		p.tracker.MarkProcessed(path, env.ID, StatusSuccess)
		p.bumpPosted(path, env.ID)
		if p.deleteAfterSend {
			if err := os.Remove(path); err != nil {
				p.logger.Warn("failed to delete file after post", "path", path, "error", err)
			} else {
				p.logger.Info("deleted file after successful post", "path", path)
			}
		}
		return
	}

	p.tracker.MarkProcessed(path, env.ID, StatusFailed)
	p.logger.Error("failed to post envelope", "path", path, "envelope_id", env.ID)
	p.bumpFailed(path, env.ID)
}

// HandleObject processes one object-storage candidate. The identifier is
// the remote key, never the local download path; etag is the object's
// fingerprint at listing or download time.
func (p *Pipeline) HandleObject(localPath, key, etag string) {
	if p.tracker.IsProcessedWithETag(key, etag) {
		p.logger.Debug("skipping already processed object", "key", key)
		p.bumpSkipped(key)
		return
	}

	parsed, ok := p.parser.Parse(key)
	if !ok {
		p.logger.Warn("could not parse object key", "key", key)
		p.bumpDropped(key)
		return
	}

	env, err := p.builder.Build(localPath, parsed.Sender, parsed.Receiver, parsed.Extension)
	if err != nil {
		p.logger.Error("failed to build envelope from object", "key", key, "error", err)
		p.bumpDropped(key)
		return
	}

	if p.poster.Post(env) {
		p.tracker.MarkProcessedRemote(key, env.ID, StatusSuccess, etag)
		p.bumpPosted(key, env.ID)
		if p.deleteAfterSend {
			p.mu.Lock()
			objects := p.objects
			p.mu.Unlock()
			if objects != nil {
				objects.DeleteObject(key)
			}
		}
		return
	}

	p.tracker.MarkProcessedRemote(key, env.ID, StatusFailed, etag)
	p.logger.Error("failed to post envelope for object", "key", key, "envelope_id", env.ID)
	p.bumpFailed(key, env.ID)
}

// ProcessExisting sweeps candidates already present at the source. For the
// object-storage variant each key is downloaded and dispatched through the
// monitor so the handler sees a local file.
func (p *Pipeline) ProcessExisting() {
	if !p.processExisting {
		p.logger.Info("skipping existing candidates")
		return
	}
	p.mu.Lock()
	source := p.source
	objects := p.objects
	p.mu.Unlock()
	if source == nil {
		return
	}

	p.logger.Info("processing existing candidates")
	existing := source.ExistingFiles()
	switch p.sourceType {
	case SourceS3:
		for _, key := range existing {
			if objects != nil {
				objects.ProcessKey(key)
			}
		}
	default:
		for _, path := range existing {
			p.HandleFile(path)
		}
	}
	p.logger.Info("finished existing candidates", "count", len(existing))
}

func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	source := p.source
	p.mu.Unlock()
	if source == nil {
		return fmt.Errorf("%w: no source attached", ErrInvalidInput)
	}

	p.ProcessExisting()

	if err := source.Start(); err != nil {
		return err
	}
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	p.logger.Info("pipeline started", "source_type", p.sourceType)
	return nil
}

func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	source := p.source
	p.mu.Unlock()

	if source != nil {
		source.Stop()
	}
	p.logger.Info("pipeline stopped")
}

func (p *Pipeline) Status() PipelineStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PipelineStatus{
		SourceType: p.sourceType,
		Running:    p.running,
		Skipped:    p.counters.skipped,
		Posted:     p.counters.posted,
		Failed:     p.counters.failed,
		Dropped:    p.counters.dropped,
	}
}

func (p *Pipeline) Entries() map[string]TrackedEntry {
	return p.tracker.Snapshot()
}

func (p *Pipeline) bumpSkipped(identifier string) {
	p.mu.Lock()
	p.counters.skipped++
	p.mu.Unlock()
	p.publish("skipped", identifier, "")
}

func (p *Pipeline) bumpPosted(identifier, envelopeID string) {
	p.mu.Lock()
	p.counters.posted++
	p.mu.Unlock()
	p.publish("posted", identifier, envelopeID)
}

func (p *Pipeline) bumpFailed(identifier, envelopeID string) {
	p.mu.Lock()
	p.counters.failed++
	p.mu.Unlock()
	p.publish("failed", identifier, envelopeID)
}

func (p *Pipeline) bumpDropped(identifier string) {
	p.mu.Lock()
	p.counters.dropped++
	p.mu.Unlock()
	p.publish("dropped", identifier, "")
}

func (p *Pipeline) publish(eventType, identifier, envelopeID string) {
	if p.events == nil {
		return
	}
	p.events.Publish(Event{
		Type:       eventType,
		Identifier: identifier,
		EnvelopeID: envelopeID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}
