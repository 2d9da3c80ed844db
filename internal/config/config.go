// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	AI            AIConfig            `mapstructure:"ai"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
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

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// AIConfig 存储内容生成模型相关的配置。
type AIConfig struct {
	APIKey     string             `mapstructure:"api_key"`
	BaseURL    string             `mapstructure:"base_url"`
	Model      string             `mapstructure:"model"`
	Generation AIGenerationConfig `mapstructure:"generation"`
}

// AIGenerationConfig 配置生成相关参数（可选）。
type AIGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// PipelineConfig 存储文档处理流水线的参数。
// 对齐 Node 项目中的常量：每个分块 5 页，单条消息体上限 500KiB。
type PipelineConfig struct {
	ChunkPages        int `mapstructure:"chunk_pages"`         // 每个分块包含的页数
	PartSizeLimit     int `mapstructure:"part_size_limit"`     // 单个消息分片的字节上限
	InlineMaxChunks   int `mapstructure:"inline_max_chunks"`   // 不超过该分块数时走单任务内联处理
	PublishMaxRetries int `mapstructure:"publish_max_retries"` // 消息发布的最大尝试次数
	PersistMaxRetries int `mapstructure:"persist_max_retries"` // 内容落库事务的最大尝试次数
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}

	applyDefaults()
}

// applyDefaults 为流水线参数补充缺省值，避免配置缺项导致除零或空分片。
func applyDefaults() {
	if Conf.Pipeline.ChunkPages <= 0 {
		Conf.Pipeline.ChunkPages = 5
	}
	if Conf.Pipeline.PartSizeLimit <= 0 {
		Conf.Pipeline.PartSizeLimit = 500 * 1024
	}
	if Conf.Pipeline.InlineMaxChunks < 0 {
		Conf.Pipeline.InlineMaxChunks = 0
	}
	if Conf.Pipeline.PublishMaxRetries <= 0 {
		Conf.Pipeline.PublishMaxRetries = 3
	}
	if Conf.Pipeline.PersistMaxRetries <= 0 {
		Conf.Pipeline.PersistMaxRetries = 3
	}
	if Conf.Kafka.GroupID == "" {
		Conf.Kafka.GroupID = "remevi-go-consumer"
	}
}
