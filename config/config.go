package config

import (
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env              string           `mapstructure:"env"`
	LogLevel         string           `mapstructure:"log_level"`
	LogType          string           `mapstructure:"log_type"`
	ServiceName      string           `mapstructure:"service_name"`
	Port             string           `mapstructure:"port"`
	Version          string           `mapstructure:"version"`
	UserAgent        string           `mapstructure:"user_agent"`
	SchedulerSetting *SchedulerConfig `mapstructure:"scheduler"`
	CrawlerSettings  *CrawlerConfig   `mapstructure:"crawler"`
	DbSettings       *DatabaseConfig  `mapstructure:"database"`
	CacheSettings    *CacheConfig     `mapstructure:"cache"`
	S3Settings       *S3Config        `mapstructure:"s3"`
	KafkaSettings    *KafkaConfig     `mapstructure:"kafka"`
	NotifierSettings *NotifierConfig  `mapstructure:"notifier"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type CrawlerConfig struct {
	RobotsTimeout      time.Duration `mapstructure:"robots_timeout"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	MaxSitemaps        int           `mapstructure:"max_sitemaps"`
	MaxSitemapUrls     int           `mapstructure:"max_sitemap_urls"`
	SampleCategoryCap  int           `mapstructure:"sample_category_cap"`
	WellKnownSitemaps  []string      `mapstructure:"well_known_sitemaps"`
	DefaultMaxPages    int           `mapstructure:"default_max_pages"`
	PersistenceRetries int           `mapstructure:"persistence_retries"`
	PersistenceBackoff time.Duration `mapstructure:"persistence_backoff"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
}

type CacheConfig struct {
	Servers      string        `mapstructure:"servers"`
	TtlForRobots time.Duration `mapstructure:"ttl_for_robots"`
}

type S3Config struct {
	AwsAccessKey    string `mapstructure:"aws_access_key"`
	AwsSecretKey    string `mapstructure:"aws_secret_key"`
	AwsBaseEndpoint string `mapstructure:"aws_base_endpoint"`
	Region          string `mapstructure:"region"`
	BucketName      string `mapstructure:"bucket_name"`
	KeyPrefix       string `mapstructure:"key_prefix"`
}

type KafkaConfig struct {
	Producer *ProducerConfig `mapstructure:"producer"`
}

type ProducerConfig struct {
	Addr           string        `mapstructure:"addr"`
	WriteTopicName string        `mapstructure:"write_topic_name"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	RequiredAsks   int           `mapstructure:"required_acks"`
	Async          bool          `mapstructure:"async"`
}

type NotifierConfig struct {
	AiWebhookURL   string        `mapstructure:"ai_webhook_url"`
	EmailReportURL string        `mapstructure:"email_report_url"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

func MustLoad() *Config {
	viper.AddConfigPath(path.Join("."))
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		slog.Error("can't initialize config file.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		slog.Error("error unmarshalling viper config.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	return &cfg
}
