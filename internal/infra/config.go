package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Pairing  PairingConfig  `mapstructure:"pairing"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Planner  PlannerConfig  `mapstructure:"planner"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RelayConfig — межузловой gRPC-релей команд.
// Addr пустой — однонодовый режим, релей не поднимается.
type RelayConfig struct {
	Addr          string `mapstructure:"addr"`           // Где слушать gRPC
	AdvertiseAddr string `mapstructure:"advertise_addr"` // Как до нас достучаться другим узлам
	Token         string `mapstructure:"token"`
	Simulate      bool   `mapstructure:"simulate"` // Без браузера: команды отдает Simulator
}

// DatabaseConfig: driver — memory | postgres | sqlite.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	URL        string `mapstructure:"url"`
	MaxConns   int32  `mapstructure:"max_conns"`
	MinConns   int32  `mapstructure:"min_conns"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub подтверждений, флаги агентов, каталог узлов).
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам, настройки JWT и секрет подписи команд.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	Issuer         string        `mapstructure:"issuer"`
	CommandSecret  string        `mapstructure:"command_secret"`
	CommandTTL     time.Duration `mapstructure:"command_ttl"` // Окно свежести подписи команды
	PublicKey      []byte
	PrivateKey     []byte
}

type PolicyConfig struct {
	RulesPath    string `mapstructure:"rules_path"` // Пусто — встроенный набор
	DefaultAllow bool   `mapstructure:"default_allow"`

	// Поле аргументов -> предел. Превышение уводит даже autonomous шаг на подтверждение.
	RiskThresholds map[string]float64 `mapstructure:"risk_thresholds"`
}

type PairingConfig struct {
	CodeLength       int           `mapstructure:"code_length"`
	CodeTTL          time.Duration `mapstructure:"code_ttl"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

// DispatchConfig — таймауты пайплайна, лимиты и Circuit Breaker транспорта.
type DispatchConfig struct {
	CommandTimeout   time.Duration `mapstructure:"command_timeout"`
	ConfirmTimeout   time.Duration `mapstructure:"confirm_timeout"` // 0 — ограничено только ExecutionTimeout
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`

	RatePerSecond float64 `mapstructure:"rate_per_second"` // 0 — без лимита
	RateBurst     int     `mapstructure:"rate_burst"`

	// Настройки Circuit Breaker для транспорта до расширения
	CBMaxRequests         uint32        `mapstructure:"cb_max_requests"`
	CBInterval            time.Duration `mapstructure:"cb_interval"`
	CBTimeout             time.Duration `mapstructure:"cb_timeout"`
	CBConsecutiveFailures uint32        `mapstructure:"cb_consecutive_failures"`
}

type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// PlannerConfig: mode — rules | llm | llm+rules.
type PlannerConfig struct {
	Mode       string        `mapstructure:"mode"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
// path — явный путь к файлу (флаг --config), пусто — поиск config.yaml.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV: DISPATCH_COMMAND_TIMEOUT=45s перекроет dispatch.command_timeout
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи: сначала PEM прямо в ENV (Docker/K8s), потом файл
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ловит несовместимые комбинации до старта компонентов
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	switch c.Planner.Mode {
	case "rules":
	case "llm", "llm+rules":
		if c.Planner.Model == "" {
			return errors.New("config: planner.model is required for llm mode")
		}
	default:
		return fmt.Errorf("config: unknown planner.mode %q", c.Planner.Mode)
	}
	if c.Relay.Addr != "" && c.Relay.Token == "" {
		return errors.New("config: relay.token is required when relay.addr is set")
	}
	if c.Relay.Addr != "" && !c.Redis.Enabled {
		return errors.New("config: relay needs redis for the node directory")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.sqlite_path", "browserops.db")

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.issuer", "browserops")
	v.SetDefault("auth.command_ttl", time.Minute)

	v.SetDefault("policy.default_allow", true)

	v.SetDefault("pairing.code_length", 8)
	v.SetDefault("pairing.code_ttl", 10*time.Minute)
	v.SetDefault("pairing.heartbeat_timeout", 5*time.Minute)
	v.SetDefault("pairing.sweep_interval", 30*time.Second)

	v.SetDefault("dispatch.command_timeout", 30*time.Second)
	v.SetDefault("dispatch.execution_timeout", 30*time.Minute)
	v.SetDefault("dispatch.rate_per_second", 5)
	v.SetDefault("dispatch.rate_burst", 10)
	v.SetDefault("dispatch.cb_max_requests", 3)
	v.SetDefault("dispatch.cb_timeout", 30*time.Second)
	v.SetDefault("dispatch.cb_consecutive_failures", 5)

	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)

	v.SetDefault("planner.mode", "rules")
	v.SetDefault("planner.timeout", 30*time.Second)
	v.SetDefault("planner.max_retries", 2)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — ключ из ENV (PEM целиком) или из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
