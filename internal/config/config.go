// Package config loads runtime configuration from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LLM provider identifiers.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Artifact store backends.
const (
	BackendGit    = "git"
	BackendGitHub = "github"
	BackendMemory = "memory"
)

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Generation model
	LLMProvider     string
	LLMModel        string
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	AWSRegion       string

	// Artifact storage
	ArtifactBackend string
	ArtifactDir     string
	GitHubToken     string
	GitHubAPIURL    string
	RepoOwner       string

	// Resilient invoker
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryAttemptTimeout time.Duration

	// Server
	ServerPort string
	ServerURL  string
	AutoResume bool

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
// A .env file in the working directory is applied first when present;
// variables already set in the environment win.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "manuscript"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "pipeline"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		LLMProvider:     strings.ToLower(getEnv("MANUSCRIPT_LLM_PROVIDER", ProviderAnthropic)),
		LLMModel:        getEnv("MANUSCRIPT_LLM_MODEL", "claude-sonnet-4-5"),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),

		ArtifactBackend: strings.ToLower(getEnv("MANUSCRIPT_ARTIFACT_BACKEND", BackendGit)),
		ArtifactDir:     getEnv("MANUSCRIPT_ARTIFACT_DIR", "./manuscripts"),
		GitHubToken:     getEnv("GITHUB_TOKEN", ""),
		GitHubAPIURL:    getEnv("GITHUB_API_URL", ""),
		RepoOwner:       getEnv("MANUSCRIPT_REPO_OWNER", "manuscript"),

		RetryMaxAttempts:    getEnvInt("MANUSCRIPT_RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:      getEnvDuration("MANUSCRIPT_RETRY_BASE_DELAY", 2*time.Second),
		RetryAttemptTimeout: getEnvDuration("MANUSCRIPT_RETRY_ATTEMPT_TIMEOUT", 5*time.Minute),

		ServerPort: getEnv("MANUSCRIPT_SERVER_PORT", "8585"),
		ServerURL:  getEnv("MANUSCRIPT_SERVER_URL", "http://localhost:8585"),
		AutoResume: getEnv("MANUSCRIPT_AUTO_RESUME", "false") == "true",

		LogFile:  getEnv("MANUSCRIPT_LOG_FILE", "/tmp/manuscript.log"),
		LogLevel: parseLogLevel(getEnv("MANUSCRIPT_LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go duration strings ("1500ms") or plain seconds ("2").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(val); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
