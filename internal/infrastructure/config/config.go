package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/search"
)

// Config is the application configuration.
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Models    ModelsConfig    `mapstructure:"models"`
	RAG       RAGConfig       `mapstructure:"rag"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Search    search.Keys     `mapstructure:"search"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Limits    LimitsConfig    `mapstructure:"limits"`
}

// GatewayConfig configures the HTTP listener.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release

	// ExtractionTimeout bounds request parsing and validation.
	ExtractionTimeout time.Duration `mapstructure:"extraction_timeout"`
	// RoutingTimeout bounds the full routed request, streaming included.
	RoutingTimeout time.Duration `mapstructure:"routing_timeout"`
}

// ProvidersConfig holds per-provider endpoint settings.
type ProvidersConfig struct {
	OpenAI  EndpointConfig `mapstructure:"openai"`
	Azure   EndpointConfig `mapstructure:"azure"`
	Bedrock EndpointConfig `mapstructure:"bedrock"`
	Gemini  EndpointConfig `mapstructure:"gemini"`
}

// EndpointConfig configures one provider endpoint.
type EndpointConfig struct {
	URL             string `mapstructure:"url"`
	APIKey          string `mapstructure:"api_key"`
	Region          string `mapstructure:"region"`
	APIVersion      string `mapstructure:"api_version"`
	UseResponsesAPI bool   `mapstructure:"use_responses_api"`
}

// ModelsConfig locates the model catalog and alias file.
type ModelsConfig struct {
	AliasFile   string `mapstructure:"alias_file"`
	DefaultID   string `mapstructure:"default_id"`
	CheapestID  string `mapstructure:"cheapest_id"`
	AdvancedID  string `mapstructure:"advanced_id"`
	CatalogFile string `mapstructure:"catalog_file"`
}

// RAGConfig configures the retrieval service endpoint.
type RAGConfig struct {
	APIBaseURL string `mapstructure:"api_base_url"`
}

// MCPConfig lists the remote tool servers offered to requests.
type MCPConfig struct {
	Servers []MCPServerConfig `mapstructure:"servers"`
}

// MCPServerConfig is one remote tool server.
type MCPServerConfig struct {
	Name     string            `mapstructure:"name"`
	Endpoint string            `mapstructure:"endpoint"`
	Headers  map[string]string `mapstructure:"headers"`
}

// DatabaseConfig configures the gateway database.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LimitsConfig tunes admission control.
type LimitsConfig struct {
	// DefaultUserLimit applies when neither admin, group nor request
	// carries a limit. Zero disables.
	DefaultUserRate   float64 `mapstructure:"default_user_rate"`
	DefaultUserPeriod string  `mapstructure:"default_user_period"`
}

// Load reads layered configuration: defaults, then the global config file,
// then a project-local one, then AMPLIFY_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := filepath.Join(os.Getenv("HOME"), ".amplify-gateway")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read global config: %w", err)
		}
	}

	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix("AMPLIFY")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.mode", "release")
	v.SetDefault("gateway.extraction_timeout", "30s")
	v.SetDefault("gateway.routing_timeout", "180s")

	v.SetDefault("providers.openai.url", "https://api.openai.com/v1")
	v.SetDefault("providers.bedrock.region", "us-east-1")

	v.SetDefault("models.alias_file", "model_aliases.json")
	v.SetDefault("models.catalog_file", "models.json")

	v.SetDefault("database.dsn", "gateway.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
