package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/edupilot/edupilot/internal/chunk"
	"github.com/edupilot/edupilot/internal/config"
	"github.com/edupilot/edupilot/internal/embed"
	"github.com/edupilot/edupilot/internal/extract"
	"github.com/edupilot/edupilot/internal/index"
	"github.com/edupilot/edupilot/internal/ingest"
	"github.com/edupilot/edupilot/internal/logging"
	"github.com/edupilot/edupilot/internal/provider"
	"github.com/edupilot/edupilot/internal/query"
	"github.com/edupilot/edupilot/internal/store"
	"github.com/edupilot/edupilot/internal/telemetry"
	"github.com/edupilot/edupilot/internal/upload"
)

// core is the wiring shared by every command that touches the knowledge
// base: storage, extraction, chunking and the hybrid index.
type core struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *telemetry.Registry
	store    *store.SQLiteStore
	chunker   *chunk.Chunker
	provider  *provider.Client
	embedder  embed.Embedder
	index     *index.Hybrid
	extractor *extract.Extractor
	pipeline  *ingest.Pipeline

	closeLog func()
}

// openCore builds the shared stack. tee controls whether logs also go
// to stderr; one-shot commands keep stderr for their own output.
func openCore(cfg *config.Config, tee bool) (*core, error) {
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, err
	}

	logCfg := logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: tee,
	}
	if logCfg.FilePath == "" {
		logCfg.FilePath = filepath.Join(cfg.Paths.DataDir, "logs", "edupilot.log")
	}
	logger, closeLog, err := logging.Setup(logCfg)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(filepath.Join(cfg.Paths.DataDir, "edupilot.db"))
	if err != nil {
		closeLog()
		return nil, err
	}

	metrics := telemetry.NewRegistry()

	prov := provider.New(provider.Config{
		BaseURL:       cfg.Provider.BaseURL,
		APIKey:        cfg.Provider.APIKey,
		ChatModel:     cfg.Provider.ChatModel,
		VisionModel:   cfg.Provider.VisionModel,
		SpeechModel:   cfg.Provider.SpeechModel,
		ChatTimeout:   cfg.Provider.ChatTimeout,
		StreamTimeout: cfg.Provider.StreamTimeout,
	}, logger)

	var embedder embed.Embedder
	if cfg.Provider.Offline {
		embedder = embed.NewStaticEmbedder()
	} else {
		remote := embed.NewRemoteEmbedder(embed.RemoteConfig{
			BaseURL:   cfg.Provider.BaseURL,
			APIKey:    cfg.Provider.APIKey,
			Model:     cfg.Provider.EmbedModel,
			BatchSize: cfg.Index.EmbedBatchSize,
			Timeout:   cfg.Provider.EmbedTimeout,
		}, logger)
		embedder = embed.NewCachedEmbedder(remote, 4096)
	}

	idx := index.NewHybrid(embedder, index.Config{Alpha: cfg.Index.Alpha}, logger)
	chunker := chunk.New(cfg.Chunking.MaxChars, cfg.Chunking.Overlap)

	var ocr extract.OCRClient
	var stt extract.STTClient
	if !cfg.Provider.Offline {
		ocr, stt = prov, prov
	}
	extractor := extract.New(ocr, stt, cfg.Uploads.MaxSizeBytes, logger)

	pipeline := ingest.NewPipeline(extractor, chunker, st, idx, metrics, logger)

	return &core{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		store:     st,
		chunker:   chunker,
		provider:  prov,
		embedder:  embedder,
		index:     idx,
		extractor: extractor,
		pipeline:  pipeline,
		closeLog:  closeLog,
	}, nil
}

// Close releases the store and log file.
func (c *core) Close() {
	_ = c.store.Close()
	_ = c.embedder.Close()
	c.closeLog()
}

// queryConfig derives orchestrator tuning from the loaded config.
func (c *core) queryConfig() query.Config {
	return query.Config{
		TopK:                c.cfg.Index.TopKDefault,
		KCite:               c.cfg.Index.KCiteDefault,
		Alpha:               c.cfg.Index.Alpha,
		ConfidenceThreshold: c.cfg.Index.LowConfidenceTau,
		GenerateTimeout:     c.cfg.Provider.ChatTimeout,
	}
}

// uploadRetention converts the configured retention days.
func uploadRetention(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// uploadAttachments resolves query attachments: fetch the upload's
// bytes and run them through the extraction stack.
type uploadAttachments struct {
	uploads   *upload.Store
	extractor *extract.Extractor
}

func (a uploadAttachments) AttachmentText(ctx context.Context, uploadID string) (string, error) {
	data, meta, err := a.uploads.Get(uploadID)
	if err != nil {
		return "", err
	}
	res, err := a.extractor.Extract(ctx, data, meta.Filename, meta.MimeType)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// chatGenerator adapts the provider client to the orchestrator's
// generator interface.
type chatGenerator struct {
	client *provider.Client
}

func (g chatGenerator) Chat(ctx context.Context, messages []query.Message) (string, error) {
	return g.client.Chat(ctx, toChatMessages(messages))
}

func (g chatGenerator) ChatStream(ctx context.Context, messages []query.Message, onDelta func(string) error) (string, error) {
	return g.client.ChatStream(ctx, toChatMessages(messages), onDelta)
}

func toChatMessages(messages []query.Message) []provider.ChatMessage {
	out := make([]provider.ChatMessage, len(messages))
	for i, m := range messages {
		out[i] = provider.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
