// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 与 configs/config.yaml 的结构对应。
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Vault     VaultConfig     `mapstructure:"vault"`
	Storage   StorageConfig   `mapstructure:"storage"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Tika      TikaConfig      `mapstructure:"tika"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	LLM       LLMConfig       `mapstructure:"llm"`
	JWT       JWTConfig       `mapstructure:"jwt"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port        string   `mapstructure:"port"`
	Mode        string   `mapstructure:"mode"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	// MaxUploadMB 限制单个上传文件的大小。
	MaxUploadMB int64 `mapstructure:"max_upload_mb"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// VaultConfig 控制分块、索引与检索行为。
type VaultConfig struct {
	IndexPath         string `mapstructure:"index_path"`
	ChunkSize         int    `mapstructure:"chunk_size"`
	ChunkOverlap      int    `mapstructure:"chunk_overlap"`
	OverFetchFactor   int    `mapstructure:"over_fetch_factor"`
	DefaultTopK       int    `mapstructure:"default_top_k"`
	NoDocumentsAnswer string `mapstructure:"no_documents_answer"`
}

// StorageConfig 选择原始上传文件的存储后端。
type StorageConfig struct {
	Driver   string `mapstructure:"driver"` // local | minio
	LocalDir string `mapstructure:"local_dir"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig 存储 Kafka 相关的配置。Brokers 为空时关闭异步入库。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// TikaConfig 存储 Apache Tika 服务器的配置。ServerURL 为空时只使用内置解码器。
type TikaConfig struct {
	ServerURL string        `mapstructure:"server_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	Provider          string        `mapstructure:"provider"` // openai | hash
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	Dimensions        int           `mapstructure:"dimensions"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Concurrency       int           `mapstructure:"concurrency"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// LLMConfig 存储大语言模型相关的配置。
type LLMConfig struct {
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Model      string              `mapstructure:"model"`
	Timeout    time.Duration       `mapstructure:"timeout"`
	Generation LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数（可选）。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// JWTConfig 存储 JWT 相关的配置。Secret 为空时不启用认证。
type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

// SetDefaults 注册所有默认值。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000", "http://localhost:3001", "http://localhost:3002"})
	v.SetDefault("server.max_upload_mb", 32)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("vault.index_path", "data/index/vault.idx")
	v.SetDefault("vault.chunk_size", 800)
	v.SetDefault("vault.chunk_overlap", 200)
	v.SetDefault("vault.over_fetch_factor", 3)
	v.SetDefault("vault.default_top_k", 3)
	v.SetDefault("vault.no_documents_answer", "I don't have any documents in your Knowledge Vault yet. Please upload some travel guides or notes first!")
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local_dir", "data/uploads")
	v.SetDefault("kafka.topic", "vault-ingest")
	v.SetDefault("kafka.group_id", "travel-vault-consumer")
	v.SetDefault("tika.timeout", 60*time.Second)
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.base_url", "https://api.openai.com/v1")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 384)
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.concurrency", 4)
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.generation.temperature", 0.3)
	v.SetDefault("llm.generation.max_tokens", 500)
}

// Load 读取指定路径的 YAML 文件，叠加默认值与 VAULT_ 前缀的环境变量。
func Load(configPath string) (Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("VAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查互相关联的参数。
func (c Config) Validate() error {
	if c.Vault.ChunkSize <= 0 {
		return fmt.Errorf("vault.chunk_size must be positive, got %d", c.Vault.ChunkSize)
	}
	if c.Vault.ChunkOverlap < 0 || c.Vault.ChunkOverlap >= c.Vault.ChunkSize {
		return fmt.Errorf("vault.chunk_overlap must be in [0, %d), got %d", c.Vault.ChunkSize, c.Vault.ChunkOverlap)
	}
	if c.Vault.OverFetchFactor < 3 {
		return fmt.Errorf("vault.over_fetch_factor must be at least 3, got %d", c.Vault.OverFetchFactor)
	}
	switch c.Storage.Driver {
	case "local", "minio":
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	switch c.Embedding.Provider {
	case "openai", "hash":
	default:
		return fmt.Errorf("unknown embedding.provider %q", c.Embedding.Provider)
	}
	return nil
}
