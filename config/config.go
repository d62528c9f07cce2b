package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	ServerName  string         `mapstructure:"server_name" yaml:"server_name"`
	Version     string         `mapstructure:"version" yaml:"version"`
	Environment string         `mapstructure:"environment" yaml:"environment"`
	Port        int            `mapstructure:"port" yaml:"port"`
	Log         LogConfig      `mapstructure:"log" yaml:"log"`
	Storage     StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Postgres    PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	DynamoDB    DynamoDBConfig `mapstructure:"dynamodb" yaml:"dynamodb"`
	Redis       RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Consul      ConsulConfig   `mapstructure:"consul" yaml:"consul"`
	Chat        ChatConfig     `mapstructure:"chat" yaml:"chat"`
	Auth        AuthConfig     `mapstructure:"auth" yaml:"auth"`
	LLM         LLMConfig      `mapstructure:"llm" yaml:"llm"`
	RocketMQ    RocketMQConfig `mapstructure:"rocketmq" yaml:"rocketmq"`
	Stream      StreamConfig   `mapstructure:"stream" yaml:"stream"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// StorageConfig selects the durable message store: postgres, dynamodb or memory.
type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
}

type PostgresConfig struct {
	Address  string        `mapstructure:"address" yaml:"address"`
	Port     int           `mapstructure:"port" yaml:"port"`
	User     string        `mapstructure:"user" yaml:"user"`
	Password string        `mapstructure:"password" yaml:"password"`
	DBName   string        `mapstructure:"db_name" yaml:"db_name"`
	MaxIdle  int           `mapstructure:"max_idle" yaml:"max_idle"`
	MaxOpen  int           `mapstructure:"max_open" yaml:"max_open"`
	MaxLife  time.Duration `mapstructure:"max_life" yaml:"max_life"`
}

type DynamoDBConfig struct {
	Region            string `mapstructure:"region" yaml:"region"`
	Endpoint          string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKeyID       string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey   string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	MessagesTable     string `mapstructure:"messages_table" yaml:"messages_table"`
	ConversationTable string `mapstructure:"conversation_table" yaml:"conversation_table"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address" yaml:"address"`
	Port         int           `mapstructure:"port" yaml:"port"`
	Password     string        `mapstructure:"password" yaml:"password"`
	Database     int           `mapstructure:"database" yaml:"database"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries" yaml:"max_retries"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	LockTTL      time.Duration `mapstructure:"lock_ttl" yaml:"lock_ttl"`
	RateLimitQPS int           `mapstructure:"rate_limit_qps" yaml:"rate_limit_qps"`
}

type ConsulConfig struct {
	Address    string `mapstructure:"address" yaml:"address"`
	Scheme     string `mapstructure:"scheme" yaml:"scheme"`
	Datacenter string `mapstructure:"datacenter" yaml:"datacenter"`
}

type ChatConfig struct {
	ServerName     string   `mapstructure:"server_name" yaml:"server_name"`
	GRPCPort       int      `mapstructure:"grpc_port" yaml:"grpc_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

type AuthConfig struct {
	JwtSecret       string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	Expire_Access_H int    `mapstructure:"expire_access_h" yaml:"expire_access_h"`
}

type LLMConfig struct {
	Provider     string        `mapstructure:"provider" yaml:"provider"`
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey       string        `mapstructure:"api_key" yaml:"api_key"`
	Model        string        `mapstructure:"model" yaml:"model"`
	SystemPrompt string        `mapstructure:"system_prompt" yaml:"system_prompt"`
	Temperature  float64       `mapstructure:"temperature" yaml:"temperature"`
	TopP         float64       `mapstructure:"top_p" yaml:"top_p"`
	MaxTokens    int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	HistoryLimit int           `mapstructure:"history_limit" yaml:"history_limit"`
	EchoDelay    time.Duration `mapstructure:"echo_delay" yaml:"echo_delay"`
}

type RocketMQConfig struct {
	NameServers   []string `mapstructure:"name_servers" yaml:"name_servers"`
	MaxRetries    int      `mapstructure:"max_retries" yaml:"max_retries"`
	GroupName     string   `mapstructure:"group_name" yaml:"group_name"`
	ConsumerGroup string   `mapstructure:"consumer_group" yaml:"consumer_group"`
	Topics        struct {
		Generation string `mapstructure:"generation" yaml:"generation"`
	} `mapstructure:"topics" yaml:"topics"`
}

// StreamConfig tunes the WebSocket transport and the generation pipeline.
type StreamConfig struct {
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PongWait          time.Duration `mapstructure:"pong_wait" yaml:"pong_wait"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	SendBuffer        int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	SendTimeout       time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
	MaxPendingFrames  int           `mapstructure:"max_pending_frames" yaml:"max_pending_frames"`
	MaxSubscriptions  int           `mapstructure:"max_subscriptions" yaml:"max_subscriptions"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	StatusText        string        `mapstructure:"status_text" yaml:"status_text"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout" yaml:"generation_timeout"`
	FinalizeTimeout   time.Duration `mapstructure:"finalize_timeout" yaml:"finalize_timeout"`
	StopDrainTimeout  time.Duration `mapstructure:"stop_drain_timeout" yaml:"stop_drain_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_name", "chat-service")
	v.SetDefault("version", "1.0.0")
	v.SetDefault("environment", "development")
	v.SetDefault("port", 8080)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("postgres.address", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "stream-chat")
	v.SetDefault("postgres.db_name", "stream-chat")
	v.SetDefault("postgres.max_idle", 10)
	v.SetDefault("postgres.max_open", 100)
	v.SetDefault("postgres.max_life", time.Hour)

	v.SetDefault("dynamodb.region", "us-east-1")
	v.SetDefault("dynamodb.messages_table", "Messages")
	v.SetDefault("dynamodb.conversation_table", "Conversations")

	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.cache_ttl", 24*time.Hour)
	v.SetDefault("redis.lock_ttl", 10*time.Minute)
	v.SetDefault("redis.rate_limit_qps", 10)

	v.SetDefault("consul.scheme", "http")
	v.SetDefault("consul.datacenter", "dc1")

	v.SetDefault("chat.server_name", "chat-service")
	v.SetDefault("chat.grpc_port", 9090)
	v.SetDefault("chat.allowed_origins", []string{"*"})

	v.SetDefault("auth.expire_access_h", 24)

	v.SetDefault("llm.provider", "echo")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.top_p", 1.0)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.history_limit", 10)
	v.SetDefault("llm.echo_delay", 50*time.Millisecond)

	v.SetDefault("rocketmq.max_retries", 2)
	v.SetDefault("rocketmq.group_name", "chat-service")
	v.SetDefault("rocketmq.consumer_group", "chat-service-usage")
	v.SetDefault("rocketmq.topics.generation", "generation_topic")

	v.SetDefault("stream.handshake_timeout", 10*time.Second)
	v.SetDefault("stream.ping_interval", 25*time.Second)
	v.SetDefault("stream.pong_wait", 60*time.Second)
	v.SetDefault("stream.write_timeout", 10*time.Second)
	v.SetDefault("stream.send_buffer", 256)
	v.SetDefault("stream.send_timeout", 5*time.Second)
	v.SetDefault("stream.max_pending_frames", 16)
	v.SetDefault("stream.max_subscriptions", 0)
	v.SetDefault("stream.max_message_bytes", 64*1024)
	v.SetDefault("stream.status_text", "Thinking...")
	v.SetDefault("stream.generation_timeout", 5*time.Minute)
	v.SetDefault("stream.finalize_timeout", 5*time.Second)
	v.SetDefault("stream.stop_drain_timeout", 2*time.Second)
}

// LoadConfig reads the YAML file at path (config/config.yml when empty) and
// overlays environment variables, e.g. STREAM_PING_INTERVAL.
func LoadConfig(path string) (*AppConfig, error) {
	var config AppConfig

	if path == "" {
		path = "config/config.yml"
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return &config, err
	}
	if err := v.Unmarshal(&config); err != nil {
		return &config, err
	}
	return &config, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *AppConfig {
	var config AppConfig
	v := viper.New()
	setDefaults(v)
	_ = v.Unmarshal(&config)
	return &config
}
