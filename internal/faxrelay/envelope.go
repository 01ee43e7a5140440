package faxrelay

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var mimeTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"tiff": "image/tiff",
	"tif":  "image/tiff",
	"bmp":  "image/bmp",
	"webp": "image/webp",
}

type Party struct {
	Tel string `json:"tel"`
}

type Attachment struct {
	Type     string `json:"type"`
	Body     string `json:"body"`
	Encoding string `json:"encoding"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimetype,omitempty"`
}

// Envelope is the conversation record built from a fax image: a unique id,
// the sender and receiver parties, and the image carried as a base64
// attachment with descriptive tags.
type Envelope struct {
	ID          string            `json:"uuid"`
	CreatedAt   string            `json:"created_at"`
	Parties     []Party           `json:"parties"`
	Attachments []Attachment      `json:"attachments"`
	Tags        map[string]string `json:"tags,omitempty"`
}

type EnvelopeBuilder struct {
	logger *slog.Logger
}

func NewEnvelopeBuilder(logger *slog.Logger) *EnvelopeBuilder {
	if logger == nil {
		logger = nopLogger()
	}
	return &EnvelopeBuilder{logger: logger.With("component", "builder")}
}

// Build reads the image at localPath and wraps it into an Envelope. The
// created_at timestamp comes from the file's modification time. The result
// is validated against the envelope schema before it is returned; a schema
// violation is a build failure like any other.
func (b *EnvelopeBuilder) Build(localPath, sender, receiver, extension string) (*Envelope, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", localPath, err)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", localPath, err)
	}

	mimeType, ok := mimeTypes[strings.ToLower(extension)]
	if !ok {
		mimeType = "image/jpeg"
	}
	filename := filepath.Base(localPath)

	env := &Envelope{
		ID:        uuid.NewString(),
		CreatedAt: info.ModTime().UTC().Format(time.RFC3339),
		Parties: []Party{
			{Tel: sender},
			{Tel: receiver},
		},
		Attachments: []Attachment{
			{
				Type:     "fax_image",
				Body:     base64.StdEncoding.EncodeToString(data),
				Encoding: "base64",
				Filename: filename,
				MimeType: mimeType,
			},
		},
		Tags: map[string]string{
			"source":            "faxrelay",
			"original_filename": filename,
			"file_size":         strconv.FormatInt(info.Size(), 10),
			"sender":            sender,
			"receiver":          receiver,
		},
	}
	if err := validateEnvelope(env); err != nil {
		return nil, fmt.Errorf("envelope schema: %w", err)
	}

	b.logger.Info("built envelope",
		"envelope_id", env.ID,
		"path", localPath,
		"sender", sender,
		"receiver", receiver,
	)
	return env, nil
}
