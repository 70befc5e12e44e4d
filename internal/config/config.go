// Package config provides the configuration schema and loader for the
// VoxPersona analysis core.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults for optional settings.
const (
	DefaultASRWindow       = 180 * time.Second
	DefaultRAGSavePeriod   = 15 * time.Minute
	DefaultRAGTopKFast     = 15
	DefaultRAGChunkTokens  = 1000
	DefaultRAGChunkOverlap = 100

	// DefaultStageDeadline is the per-stage share of the request deadline:
	// a chain of N stages gets N x this duration unless overridden.
	DefaultStageDeadline = 60 * time.Second
)

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	LLM         LLMConfig          `yaml:"llm"`
	Credentials []CredentialConfig `yaml:"credentials"`
	ASR         ASRConfig          `yaml:"asr"`
	Embeddings  EmbeddingsConfig   `yaml:"embeddings"`
	Storage     StorageConfig      `yaml:"storage"`
	RAG         RAGConfig          `yaml:"rag"`
	Dialog      DialogConfig       `yaml:"dialog"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// MetricsAddr is the TCP address the Prometheus /metrics endpoint listens
	// on (e.g. ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// LLMConfig selects the model all report chains run against.
type LLMConfig struct {
	// Provider is the any-llm backend name (e.g. "anthropic", "openai").
	Provider string `yaml:"provider"`

	// Model is the logical model name passed to the backend and to the
	// tokenizer (e.g. "claude-sonnet-4-5").
	Model string `yaml:"model"`

	// BaseURL overrides the backend's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// MaxTokens caps completion length per stage. Zero uses the backend default.
	MaxTokens int `yaml:"max_tokens"`

	// StageDeadline is the per-stage share of a request deadline; a chain of
	// N stages gets N x StageDeadline. Zero means DefaultStageDeadline.
	StageDeadline time.Duration `yaml:"stage_deadline"`
}

// CredentialConfig declares one LLM credential with its per-minute budgets.
// The pool's size equals the number of entries.
type CredentialConfig struct {
	// ID is a stable human-readable identifier used in logs and metrics.
	ID string `yaml:"id"`

	// Secret is the API key for this credential.
	Secret string `yaml:"secret"`

	// TPM is the tokens-per-minute budget.
	TPM int `yaml:"tpm"`

	// RPM is the requests-per-minute budget.
	RPM int `yaml:"rpm"`
}

// ASRConfig selects the transcription backend.
type ASRConfig struct {
	// Provider is "openai" or "whisper" (a local whisper-server).
	Provider string `yaml:"provider"`

	// APIKey authenticates hosted providers. Ignored by whisper.
	APIKey string `yaml:"api_key"`

	// BaseURL is the whisper-server address, or an override for hosted
	// providers.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider (e.g. "whisper-1").
	Model string `yaml:"model"`

	// Language is the transcription language hint (e.g. "ru").
	Language string `yaml:"language"`

	// Window is the audio window duration per transcription request.
	// Zero means DefaultASRWindow (3 minutes).
	Window time.Duration `yaml:"window"`
}

// EmbeddingsConfig selects the embedding backend for RAG indices.
type EmbeddingsConfig struct {
	// APIKey authenticates the OpenAI embeddings API.
	APIKey string `yaml:"api_key"`

	// Model is the embeddings model (default text-embedding-3-small).
	Model string `yaml:"model"`
}

// StorageConfig holds the relational store and blob store locations.
type StorageConfig struct {
	// PostgresDSN is the PostgreSQL connection string for prompts, audits,
	// and (when pgvector is available) durable RAG indices.
	PostgresDSN string `yaml:"postgres_dsn"`

	// BlobDir is the directory holding uploaded audio blobs.
	BlobDir string `yaml:"blob_dir"`
}

// RAGConfig tunes the retrieval index layer.
type RAGConfig struct {
	// IndexDir is the root directory for index snapshots, one subdirectory
	// per sanitised scope key.
	IndexDir string `yaml:"index_dir"`

	// SavePeriod is the snapshot cadence. Zero means DefaultRAGSavePeriod.
	SavePeriod time.Duration `yaml:"save_period"`

	// ChunkTokens is the approximate chunk size in tokens. Zero means
	// DefaultRAGChunkTokens.
	ChunkTokens int `yaml:"chunk_tokens"`

	// ChunkOverlap is the overlap between adjacent chunks in tokens. Zero
	// means DefaultRAGChunkOverlap.
	ChunkOverlap int `yaml:"chunk_overlap"`

	// Durable selects the pgvector-backed index instead of in-memory indices
	// with snapshots. Requires Storage.PostgresDSN.
	Durable bool `yaml:"durable"`
}

// DialogConfig tunes the dialog answerer.
type DialogConfig struct {
	// TopKFast is the retrieval depth for fast search. Zero means
	// DefaultRAGTopKFast.
	TopKFast int `yaml:"topk_fast"`

	// DeepCandidates is the wider candidate set size for deep search.
	// Zero means 4 x TopKFast.
	DeepCandidates int `yaml:"deep_candidates"`

	// DeepSearch is the default per-session deep-search flag.
	DeepSearch bool `yaml:"deep_search"`
}

// ApplyDefaults fills zero-valued optional fields in place.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.LLM.StageDeadline == 0 {
		c.LLM.StageDeadline = DefaultStageDeadline
	}
	if c.ASR.Window == 0 {
		c.ASR.Window = DefaultASRWindow
	}
	if c.RAG.SavePeriod == 0 {
		c.RAG.SavePeriod = DefaultRAGSavePeriod
	}
	if c.RAG.ChunkTokens == 0 {
		c.RAG.ChunkTokens = DefaultRAGChunkTokens
	}
	if c.RAG.ChunkOverlap == 0 {
		c.RAG.ChunkOverlap = DefaultRAGChunkOverlap
	}
	if c.Dialog.TopKFast == 0 {
		c.Dialog.TopKFast = DefaultRAGTopKFast
	}
	if c.Dialog.DeepCandidates == 0 {
		c.Dialog.DeepCandidates = 4 * c.Dialog.TopKFast
	}
}
