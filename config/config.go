package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const DefaultPath = "config.yaml"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Depth    DepthConfig    `mapstructure:"depth"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type UploadConfig struct {
	MaxSize      int64    `mapstructure:"max_size"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

// PipelineConfig holds the defaults applied to each request; form values
// override granularity, min_object_size, blur_fill and arrangement.
type PipelineConfig struct {
	Granularity    float64       `mapstructure:"granularity"`
	MinObjectSize  int           `mapstructure:"min_object_size"`
	BlurFill       int           `mapstructure:"blur_fill"`
	Arrangement    string        `mapstructure:"arrangement"`
	PaletteSize    int           `mapstructure:"palette_size"`
	PaletteMethod  string        `mapstructure:"palette_method"`
	Visualization  string        `mapstructure:"visualization"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	QueueTimeout   time.Duration `mapstructure:"queue_timeout"`
	PeakNoiseFloor int           `mapstructure:"peak_noise_floor"`
	MinGranularity float64       `mapstructure:"min_granularity"`
}

// DepthConfig selects the ONNX depth model. An empty ModelPath leaves the
// server without a model; requests must then upload a depth image.
type DepthConfig struct {
	ModelPath      string        `mapstructure:"model_path"`
	ORTLibraryPath string        `mapstructure:"ort_library_path"`
	InputWidth     int           `mapstructure:"input_width"`
	InputHeight    int           `mapstructure:"input_height"`
	InputName      string        `mapstructure:"input_name"`
	OutputName     string        `mapstructure:"output_name"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// Load reads a YAML config file on top of the defaults. DEPTHLAYER_*
// environment variables (e.g. DEPTHLAYER_REDIS_ADDR) take precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DEPTHLAYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// New loads config.yaml from the working directory, falling back to defaults
// when it is missing or unreadable.
func New() *Config {
	cfg, err := Load(DefaultPath)
	if err != nil {
		return Default()
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("upload.max_size", 20*1024*1024)
	v.SetDefault("upload.allowed_types", []string{"image/jpeg", "image/png", "image/jpg", "image/webp", "image/gif"})

	v.SetDefault("pipeline.granularity", 0.3)
	v.SetDefault("pipeline.min_object_size", 100)
	v.SetDefault("pipeline.blur_fill", 0)
	v.SetDefault("pipeline.arrangement", "fixed-step")
	v.SetDefault("pipeline.palette_size", 0)
	v.SetDefault("pipeline.palette_method", "kmeans")
	v.SetDefault("pipeline.visualization", "gray")
	v.SetDefault("pipeline.max_concurrent", 2)
	v.SetDefault("pipeline.queue_timeout", 30*time.Second)
	v.SetDefault("pipeline.peak_noise_floor", -1)
	v.SetDefault("pipeline.min_granularity", 0.05)

	v.SetDefault("depth.model_path", "")
	v.SetDefault("depth.ort_library_path", "")
	v.SetDefault("depth.input_width", 518)
	v.SetDefault("depth.input_height", 518)
	v.SetDefault("depth.input_name", "pixel_values")
	v.SetDefault("depth.output_name", "predicted_depth")
	v.SetDefault("depth.timeout", 0)
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return &cfg
}
