package config

import (
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	SQLite     SQLiteConfig
	Milvus     MilvusConfig
	Redis      RedisConfig
	LLM        LLMConfig
	Speech     SpeechConfig
	Vision     VisionConfig
	NLU        NLUConfig
	Retrieval  RetrievalConfig
	Synthesis  SynthesisConfig
	Safety     SafetyConfig
	Decision   DecisionConfig
	Escalation EscalationConfig
	Pipeline   PipelineConfig
	RateLimit  RateLimitConfig
	Telemetry  TelemetryConfig
	Logging    LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type SQLiteConfig struct {
	Path string
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	EmbeddingTTL time.Duration
}

type LLMConfig struct {
	Model          string
	APIKey         string
	BaseURL        string
	Temperature    float32
	MaxTokens      int
	EmbeddingModel string
}

type SpeechConfig struct {
	Model   string
	Timeout time.Duration
}

type VisionConfig struct {
	Endpoint string
	Timeout  time.Duration
}

type NLUConfig struct {
	DictionaryPath string
}

type RetrievalConfig struct {
	TopK    int
	Timeout time.Duration
}

type SynthesisConfig struct {
	Timeout     time.Duration
	MaxPassages int
}

type SafetyConfig struct {
	RulesPath string
}

type DecisionConfig struct {
	EscalateBelow   float64
	DirectAbove     float64
	DegradedPenalty float64
}

type EscalationConfig struct {
	RepeatWindow    time.Duration
	RepeatThreshold int
}

type PipelineConfig struct {
	MaxConcurrent   int
	SoftDeadline    time.Duration
	PersistAttempts int
	DefaultLocale   string
}

type RateLimitConfig struct {
	RequestsPerMinute int
}

type TelemetryConfig struct {
	Enabled     bool
	ServiceName string
	Environment string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/krishi")

	v.SetEnvPrefix("KRISHI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Secrets have no defaults, so Unmarshal only sees them when bound.
	_ = v.BindEnv("llm.apiKey", "KRISHI_LLM_APIKEY", "OPENAI_API_KEY")
	_ = v.BindEnv("llm.baseURL", "KRISHI_LLM_BASEURL")
	_ = v.BindEnv("milvus.apiKey", "KRISHI_MILVUS_APIKEY")
	_ = v.BindEnv("redis.password", "KRISHI_REDIS_PASSWORD")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "failed to read config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, eris.Wrap(err, "failed to unmarshal config")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects threshold combinations the decision policy cannot order.
func (c *Config) Validate() error {
	if c.Decision.EscalateBelow < 0 || c.Decision.DirectAbove > 1 {
		return eris.New("decision thresholds must lie in [0,1]")
	}
	if c.Decision.EscalateBelow > c.Decision.DirectAbove {
		return eris.Errorf("decision.escalateBelow (%.2f) must not exceed decision.directAbove (%.2f)",
			c.Decision.EscalateBelow, c.Decision.DirectAbove)
	}
	if c.Retrieval.TopK <= 0 {
		return eris.New("retrieval.topK must be positive")
	}
	if c.Pipeline.MaxConcurrent <= 0 {
		return eris.New("pipeline.maxConcurrent must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("sqlite.path", "./data/krishi.db")

	v.SetDefault("milvus.endpoint", "localhost:19530")
	v.SetDefault("milvus.collectionName", "kerala_agri_knowledge")
	v.SetDefault("milvus.vectorDim", 1536)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.embeddingTTL", 24*time.Hour)

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 1024)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")

	v.SetDefault("speech.model", "whisper-1")
	v.SetDefault("speech.timeout", 20*time.Second)

	v.SetDefault("vision.endpoint", "http://localhost:9000/detect")
	v.SetDefault("vision.timeout", 10*time.Second)

	v.SetDefault("nlu.dictionaryPath", "")

	v.SetDefault("retrieval.topK", 5)
	v.SetDefault("retrieval.timeout", 3*time.Second)

	v.SetDefault("synthesis.timeout", 15*time.Second)
	v.SetDefault("synthesis.maxPassages", 3)

	v.SetDefault("safety.rulesPath", "")

	v.SetDefault("decision.escalateBelow", 0.5)
	v.SetDefault("decision.directAbove", 0.8)
	v.SetDefault("decision.degradedPenalty", 0.1)

	v.SetDefault("escalation.repeatWindow", 30*24*time.Hour)
	v.SetDefault("escalation.repeatThreshold", 2)

	v.SetDefault("pipeline.maxConcurrent", 32)
	v.SetDefault("pipeline.softDeadline", 10*time.Second)
	v.SetDefault("pipeline.persistAttempts", 3)
	v.SetDefault("pipeline.defaultLocale", "ml")

	v.SetDefault("ratelimit.requestsPerMinute", 30)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.serviceName", "krishi-backend")
	v.SetDefault("telemetry.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
