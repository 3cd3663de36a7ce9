// Package config loads service settings from defaults, an optional YAML file
// and the environment. Nested keys map to upper-case environment variables
// with dots replaced by underscores (ngp.url -> NGP_URL).
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/lai/datagate/units"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Admin    AdminConfig    `mapstructure:"admin"`
	NGP      NGPConfig      `mapstructure:"ngp"`
	Speed    SpeedConfig    `mapstructure:"speed"`
	Payload  PayloadConfig  `mapstructure:"payload"`
	Data     DataConfig     `mapstructure:"data"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Weather  WeatherConfig  `mapstructure:"weather"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Mappings MappingsConfig `mapstructure:"mappings"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type NGPConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SpeedConfig struct {
	FallbackUnit string `mapstructure:"fallback_unit"`
}

type PayloadConfig struct {
	FillDefaults bool    `mapstructure:"fill_defaults"`
	DefaultValue float64 `mapstructure:"default_value"`
}

type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"` // file, redis, postgres or memory
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type SnapshotConfig struct {
	Backend string `mapstructure:"backend"` // file, minio or none
}

type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseTLS    bool   `mapstructure:"use_tls"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type WeatherConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SMTPConfig struct {
	Host       string   `mapstructure:"host"`
	Port       int      `mapstructure:"port"`
	User       string   `mapstructure:"user"`
	Password   string   `mapstructure:"password"`
	Recipients []string `mapstructure:"recipients"`
	// Timeout bounds the dial and greeting; SendTimeout bounds a whole
	// notification.
	Timeout     time.Duration `mapstructure:"timeout"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// MappingsConfig seeds the device directory when no stored copy exists.
// Each entry is "display name=imei".
type MappingsConfig struct {
	Seed []string `mapstructure:"seed"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.max_concurrent", 64)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 2*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("admin.token", "")
	v.SetDefault("ngp.url", "")
	v.SetDefault("ngp.timeout", 10*time.Second)
	v.SetDefault("speed.fallback_unit", string(units.Kmh))
	v.SetDefault("payload.fill_defaults", true)
	v.SetDefault("payload.default_value", 0)
	v.SetDefault("data.dir", "data")
	v.SetDefault("store.backend", "file")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.namespace", "datagate")
	v.SetDefault("database.url", "")
	v.SetDefault("snapshot.backend", "file")
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.use_tls", false)
	v.SetDefault("minio.bucket", "datagate-snapshots")
	v.SetDefault("minio.prefix", "raw_by_asset")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "datagate.events")
	v.SetDefault("weather.url", "https://api.openweathermap.org/data/2.5/weather")
	v.SetDefault("weather.api_key", "")
	v.SetDefault("weather.timeout", 10*time.Second)
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.recipients", []string{})
	v.SetDefault("smtp.timeout", 10*time.Second)
	v.SetDefault("smtp.send_timeout", 30*time.Second)
	v.SetDefault("mappings.seed", []string{})
}

// Load reads configuration. An empty configPath searches for config.yaml in
// the working directory and ./configs; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Kafka.Brokers = compact(cfg.Kafka.Brokers)
	cfg.SMTP.Recipients = compact(cfg.SMTP.Recipients)
	cfg.Mappings.Seed = compact(cfg.Mappings.Seed)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigPath returns DATAGATE_CONFIG, if set.
func ConfigPath() string {
	return os.Getenv("DATAGATE_CONFIG")
}

// Validate reports the first setting the service cannot start with.
func (c *Config) Validate() error {
	if c.NGP.URL == "" {
		return errors.New("ngp.url (NGP_URL) is required")
	}
	if c.Admin.Token == "" {
		return errors.New("admin.token (ADMIN_TOKEN) is required")
	}
	if units.ParseUnit(c.Speed.FallbackUnit, "") == "" {
		return fmt.Errorf("speed.fallback_unit %q: want kmh, mph, knots or mps", c.Speed.FallbackUnit)
	}
	if v := c.Payload.DefaultValue; math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return fmt.Errorf("payload.default_value %v: must be a whole number", v)
	}
	switch c.Store.Backend {
	case "file", "memory", "redis":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("database.url (DATABASE_URL) is required for the postgres store")
		}
	default:
		return fmt.Errorf("store.backend %q: want file, redis, postgres or memory", c.Store.Backend)
	}
	switch c.Snapshot.Backend {
	case "file", "none":
	case "minio":
		if c.MinIO.Bucket == "" {
			return errors.New("minio.bucket is required for the minio snapshot store")
		}
	default:
		return fmt.Errorf("snapshot.backend %q: want file, minio or none", c.Snapshot.Backend)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when kafka.brokers is set")
	}
	if _, err := c.SeedMappings(); err != nil {
		return err
	}
	return nil
}

// FallbackUnit is the unit applied to speeds without a unit tag.
func (c *Config) FallbackUnit() units.Unit {
	return units.ParseUnit(c.Speed.FallbackUnit, units.Kmh)
}

// SeedMappings parses Mappings.Seed into display name -> imei.
func (c *Config) SeedMappings() (map[string]string, error) {
	out := make(map[string]string, len(c.Mappings.Seed))
	for _, entry := range c.Mappings.Seed {
		name, imei, ok := strings.Cut(entry, "=")
		name, imei = strings.TrimSpace(name), strings.TrimSpace(imei)
		if !ok || name == "" || imei == "" {
			return nil, fmt.Errorf("mappings.seed entry %q: want \"name=imei\"", entry)
		}
		out[name] = imei
	}
	return out, nil
}

// NotifierEnabled reports whether failure e-mails can be sent.
func (c *Config) NotifierEnabled() bool {
	return c.SMTP.Host != "" && len(c.SMTP.Recipients) > 0
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
