package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/sakashimaa/paybank/pkg/utils"
)

type Config struct {
	Env       string    `yaml:"env" env:"ENV" env-default:"local"`
	Log       Log       `yaml:"log"`
	HTTP      HTTP      `yaml:"http"`
	GRPC      GRPC      `yaml:"grpc"`
	Metrics   Metrics   `yaml:"metrics"`
	Postgres  PG        `yaml:"postgres"`
	Redis     Redis     `yaml:"redis"`
	Kafka     Kafka     `yaml:"kafka"`
	Authority Authority `yaml:"authority"`
	Auth      Auth      `yaml:"auth"`
	Sweeper   Sweeper   `yaml:"sweeper"`
	Limiter   Limiter   `yaml:"limiter"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type HTTP struct {
	Port    string        `yaml:"port" env:"HTTP_PORT" env-default:":3000"`
	Timeout time.Duration `yaml:"timeout" env-default:"4s"`
}

type GRPC struct {
	Port string `yaml:"port" env:"GRPC_PORT" env-default:":50054"`
}

type Metrics struct {
	Port string `yaml:"port" env:"METRICS_PORT" env-default:":9094"`
}

type PG struct {
	URL        string `yaml:"url" env:"DB_URL"`
	Migrations string `yaml:"migrations" env:"MIGRATIONS_PATH" env-default:"./migrations"`
}

type Redis struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	CacheTTL time.Duration `yaml:"cache_ttl" env-default:"10m"`
}

type Kafka struct {
	Brokers      []string `yaml:"brokers" env:"KAFKA_BROKERS" env-separator:"," env-default:"localhost:9092"`
	GroupID      string   `yaml:"group_id" env-default:"payment-service-group"`
	RefundsTopic string   `yaml:"refunds_topic" env-default:"refund_requests"`
	EventsTopic  string   `yaml:"events_topic" env-default:"payment_events"`
}

// Authority selects the funds authority backend: "sandbox" or "stripe".
type Authority struct {
	Driver         string        `yaml:"driver" env:"AUTHORITY_DRIVER" env-default:"sandbox"`
	StripeKey      string        `yaml:"stripe_key" env:"STRIPE_SECRET_KEY"`
	SandboxBalance int64         `yaml:"sandbox_balance" env-default:"1000000"`
	Timeout        time.Duration `yaml:"timeout" env-default:"5s"`
}

type Auth struct {
	Secret string `yaml:"secret" env:"ACCESS_SECRET"`
}

type Sweeper struct {
	Interval    time.Duration `yaml:"interval" env-default:"30s"`
	GracePeriod time.Duration `yaml:"grace_period" env-default:"2m"`
	BatchSize   int           `yaml:"batch_size" env-default:"50"`
}

type Limiter struct {
	Max        int           `yaml:"max" env-default:"20"`
	Expiration time.Duration `yaml:"expiration" env-default:"5s"`
}

func MustLoad() *Config {
	configPath := utils.ParseWithFallback("CONFIG_PATH", "./config/local.yaml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("config file does not exists: %v\n", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("error reading config: %v", err)
	}

	return cfg
}

func Load(path string) (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
