package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// validLLMProviders lists the any-llm backend names the app can construct.
var validLLMProviders = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"}

// validASRProviders lists the recognised ASR backends.
var validASRProviders = []string{"openai", "whisper"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// LLM
	if cfg.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider is required"))
	} else if !contains(validLLMProviders, cfg.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider %q is unknown; valid values: %v", cfg.LLM.Provider, validLLMProviders))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}

	// Credentials
	if len(cfg.Credentials) == 0 {
		errs = append(errs, errors.New("at least one credentials entry is required"))
	}
	idsSeen := make(map[string]int, len(cfg.Credentials))
	for i, cred := range cfg.Credentials {
		prefix := fmt.Sprintf("credentials[%d]", i)
		if cred.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if prev, ok := idsSeen[cred.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of credentials[%d]", prefix, cred.ID, prev))
		} else {
			idsSeen[cred.ID] = i
		}
		if cred.Secret == "" {
			errs = append(errs, fmt.Errorf("%s.secret is required", prefix))
		}
		if cred.TPM <= 0 {
			errs = append(errs, fmt.Errorf("%s.tpm must be positive, got %d", prefix, cred.TPM))
		}
		if cred.RPM <= 0 {
			errs = append(errs, fmt.Errorf("%s.rpm must be positive, got %d", prefix, cred.RPM))
		}
	}

	// ASR
	if cfg.ASR.Provider != "" && !contains(validASRProviders, cfg.ASR.Provider) {
		errs = append(errs, fmt.Errorf("asr.provider %q is unknown; valid values: %v", cfg.ASR.Provider, validASRProviders))
	}
	if cfg.ASR.Provider == "whisper" && cfg.ASR.BaseURL == "" {
		errs = append(errs, errors.New("asr.base_url is required for the whisper provider"))
	}
	if cfg.ASR.Provider == "openai" && cfg.ASR.APIKey == "" {
		errs = append(errs, errors.New("asr.api_key is required for the openai provider"))
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required"))
	}
	if cfg.RAG.Durable && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("rag.durable requires storage.postgres_dsn"))
	}

	// Soft warnings
	if cfg.Embeddings.APIKey == "" {
		slog.Warn("embeddings.api_key is empty; dialog mode will be unavailable")
	}
	if !cfg.RAG.Durable && cfg.RAG.IndexDir == "" {
		slog.Warn("rag.index_dir is empty; indices will not survive restarts")
	}
	if cfg.RAG.ChunkOverlap >= cfg.RAG.ChunkTokens {
		errs = append(errs, fmt.Errorf("rag.chunk_overlap %d must be smaller than rag.chunk_tokens %d", cfg.RAG.ChunkOverlap, cfg.RAG.ChunkTokens))
	}

	return errors.Join(errs...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
