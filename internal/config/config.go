// Package config provides YAML-based configuration for worklens.
// Configuration is loaded with a layered precedence: defaults → YAML file → env vars.
// Environment variables always win, so existing workflows are unaffected.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. WORKLENS_CONFIG environment variable
//  3. ~/.worklens/config.yaml
//  4. ./worklens.yaml
//
// If no file is found the system runs entirely from env vars (backwards compatible).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Catalog configures the Azure DevOps work item source.
	Catalog CatalogConfig `yaml:"catalog"`

	// Model configures the LLM chat model provider.
	Model ModelConfig `yaml:"model"`

	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Qdrant configures the Qdrant vector store connection.
	Qdrant QdrantConfig `yaml:"qdrant"`

	// Sync configures incremental synchronization behavior.
	Sync SyncConfig `yaml:"sync"`

	// Retrieval configures hybrid retrieval behavior.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Answer configures context assembly and answer generation.
	Answer AnswerConfig `yaml:"answer"`

	// Triage configures duplicate and related-item analysis.
	Triage TriageConfig `yaml:"triage"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// State configures sync state persistence.
	State StateConfig `yaml:"state"`

	// Tracing configures Langfuse tracing integration.
	Tracing TracingConfig `yaml:"tracing"`
}

// CatalogConfig holds Azure DevOps connection settings.
type CatalogConfig struct {
	// Organization is the Azure DevOps organization name.
	Organization string `yaml:"organization"`
	// Project is the Azure DevOps project name.
	Project string `yaml:"project"`
	// PAT is the personal access token. Prefer env var AZDO_PAT.
	PAT string `yaml:"pat"`
	// AreaPath restricts sync to a work item area path.
	AreaPath string `yaml:"area_path"`
	// Types restricts sync to the named work item types (comma separated).
	Types string `yaml:"types"`
}

// ModelConfig holds LLM chat model settings.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, bedrock, gemini.
	Provider string `yaml:"provider"`

	// MaxTokens is the maximum number of tokens in the response.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls response randomness (0.0–1.0).
	Temperature float32 `yaml:"temperature"`

	// Ollama holds Ollama-specific settings.
	Ollama OllamaConfig `yaml:"ollama"`

	// OpenAI holds OpenAI-specific settings.
	OpenAI OpenAIConfig `yaml:"openai"`

	// Azure holds Azure OpenAI-specific settings.
	Azure AzureConfig `yaml:"azure"`

	// Bedrock holds AWS Bedrock-specific settings.
	Bedrock BedrockConfig `yaml:"bedrock"`

	// Gemini holds Google Gemini-specific settings.
	Gemini GeminiConfig `yaml:"gemini"`
}

// OllamaConfig holds Ollama provider settings.
type OllamaConfig struct {
	// Host is the Ollama API endpoint.
	Host string `yaml:"host"`
	// Model is the Ollama model name.
	Model string `yaml:"model"`
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. Prefer env var OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the OpenAI model name.
	Model string `yaml:"model"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	// APIKey is the Azure OpenAI API key. Prefer env var AZURE_OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the Azure OpenAI resource endpoint.
	Endpoint string `yaml:"endpoint"`
	// Deployment is the Azure OpenAI deployment name.
	Deployment string `yaml:"deployment"`
	// APIVersion is the Azure OpenAI API version.
	APIVersion string `yaml:"api_version"`
}

// BedrockConfig holds AWS Bedrock provider settings.
type BedrockConfig struct {
	// Region is the AWS region for Bedrock.
	Region string `yaml:"region"`
	// ModelID is the Bedrock model identifier.
	ModelID string `yaml:"model_id"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	// APIKey is the Google API key. Prefer env var GOOGLE_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the Gemini model name.
	Model string `yaml:"model"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (ollama, openai, azure).
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions overrides the embedding vector size.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// Collection is the Qdrant collection name.
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls"`
}

// SyncConfig holds incremental sync settings.
type SyncConfig struct {
	// BatchSize is the number of documents per index upsert batch.
	BatchSize int `yaml:"batch_size"`
	// EmbedBatchSize is the number of items per embedding request.
	EmbedBatchSize int `yaml:"embed_batch_size"`
	// DeltaDeleteCheck enables stale-item detection on delta runs.
	DeltaDeleteCheck *bool `yaml:"delta_delete_check"`
}

// RetrievalConfig holds hybrid retrieval settings.
type RetrievalConfig struct {
	// TopK is the default number of results to return.
	TopK int `yaml:"top_k"`
	// VectorWeight is the vector score weight in hybrid ranking.
	VectorWeight float32 `yaml:"vector_weight"`
	// KeywordWeight is the keyword score weight in hybrid ranking.
	KeywordWeight float32 `yaml:"keyword_weight"`
	// MinVectorScore drops results below this vector similarity.
	MinVectorScore float32 `yaml:"min_vector_score"`
	// RankFusion switches hybrid ranking to reciprocal rank fusion
	// instead of weighted score blending.
	RankFusion bool `yaml:"rank_fusion"`
}

// AnswerConfig holds context assembly and generation settings.
type AnswerConfig struct {
	// MaxContextTokens caps the assembled context size.
	MaxContextTokens int `yaml:"max_context_tokens"`
	// References appends a citation list to streamed answers.
	References *bool `yaml:"references"`
}

// TriageConfig holds duplicate analysis settings.
type TriageConfig struct {
	// DuplicateThreshold is the similarity above which items are duplicates.
	DuplicateThreshold float32 `yaml:"duplicate_threshold"`
	// RelatedFloor is the minimum similarity for related items.
	RelatedFloor float32 `yaml:"related_floor"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var WORKLENS_API_KEY.
	APIKey string `yaml:"api_key"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// StateConfig holds sync state persistence settings.
type StateConfig struct {
	// DBPath is the SQLite database path. Set to "disabled" to disable.
	DBPath string `yaml:"db_path"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	// PublicKey is the Langfuse public key. Prefer env var LANGFUSE_PUBLIC_KEY.
	PublicKey string `yaml:"public_key"`
	// SecretKey is the Langfuse secret key. Prefer env var LANGFUSE_SECRET_KEY.
	SecretKey string `yaml:"secret_key"`
	// Host is the Langfuse API host.
	Host string `yaml:"host"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"AZDO_ORG", func(c *Config) string { return c.Catalog.Organization }},
	{"AZDO_PROJECT", func(c *Config) string { return c.Catalog.Project }},
	{"AZDO_PAT", func(c *Config) string { return c.Catalog.PAT }},
	{"AZDO_AREA_PATH", func(c *Config) string { return c.Catalog.AreaPath }},
	{"AZDO_WORK_ITEM_TYPES", func(c *Config) string { return c.Catalog.Types }},
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return float32Str(c.Model.Temperature) }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"AWS_REGION", func(c *Config) string { return c.Model.Bedrock.Region }},
	{"BEDROCK_MODEL_ID", func(c *Config) string { return c.Model.Bedrock.ModelID }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"QDRANT_HOST", func(c *Config) string { return c.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Qdrant.TLS) }},
	{"SYNC_BATCH_SIZE", func(c *Config) string { return intStr(c.Sync.BatchSize) }},
	{"SYNC_EMBED_BATCH_SIZE", func(c *Config) string { return intStr(c.Sync.EmbedBatchSize) }},
	{"SYNC_DELTA_DELETE_CHECK", func(c *Config) string { return boolPtrStr(c.Sync.DeltaDeleteCheck) }},
	{"RETRIEVAL_TOP_K", func(c *Config) string { return intStr(c.Retrieval.TopK) }},
	{"RETRIEVAL_VECTOR_WEIGHT", func(c *Config) string { return float32Str(c.Retrieval.VectorWeight) }},
	{"RETRIEVAL_KEYWORD_WEIGHT", func(c *Config) string { return float32Str(c.Retrieval.KeywordWeight) }},
	{"RETRIEVAL_MIN_VECTOR_SCORE", func(c *Config) string { return float32Str(c.Retrieval.MinVectorScore) }},
	{"RETRIEVAL_RANK_FUSION", func(c *Config) string { return boolStr(c.Retrieval.RankFusion) }},
	{"ANSWER_MAX_CONTEXT_TOKENS", func(c *Config) string { return intStr(c.Answer.MaxContextTokens) }},
	{"ANSWER_REFERENCES", func(c *Config) string { return boolPtrStr(c.Answer.References) }},
	{"TRIAGE_DUPLICATE_THRESHOLD", func(c *Config) string { return float32Str(c.Triage.DuplicateThreshold) }},
	{"TRIAGE_RELATED_FLOOR", func(c *Config) string { return float32Str(c.Triage.RelatedFloor) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"WORKLENS_STATE_DB", func(c *Config) string { return c.State.DBPath }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" || yamlVal == "0" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set — do not override
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("WORKLENS_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".worklens", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("worklens.yaml"); err == nil {
		return "worklens.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// float32Str converts a float32 to string, returning "" for zero values.
func float32Str(v float32) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}

// boolPtrStr converts an optional bool to string. Unset values return ""
// so defaults apply; explicit false becomes "false" so it can disable a
// default-on behavior.
func boolPtrStr(v *bool) string {
	if v == nil {
		return ""
	}
	if !*v {
		return "false"
	}
	return "true"
}
