package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации всей платформы.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Gate      GateConfig      `mapstructure:"gate"`
	Export    ExportConfig    `mapstructure:"export"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Workers   WorkerConfig    `mapstructure:"workers"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub инвалидации и нотификации).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для Console API
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// GateConfig — настройки самого шлюза (Gate Façade).
type GateConfig struct {
	// Timeout — жесткий wall-clock бюджет на одну оценку (0.05s–30s).
	Timeout time.Duration `mapstructure:"timeout"`
	// FailSafeDecision — консервативный дефолт при таймауте/сбое:
	// "require_approval" или "deny".
	FailSafeDecision string `mapstructure:"fail_safe_decision"`
	// ApprovalTokenTTL — короткий TTL одноразового approval-токена (минуты).
	ApprovalTokenTTL time.Duration `mapstructure:"approval_token_ttl"`
}

// ExportConfig ограничивает размеры compliance-экспорта.
type ExportConfig struct {
	MaxWindowDays int    `mapstructure:"max_window_days"`
	MaxRows       int    `mapstructure:"max_rows"`
	SigningKeyID  string `mapstructure:"signing_key_id"`
	SigningKey    string `mapstructure:"signing_key"`
}

// ReconcileConfig — SLA сверки резерваций.
type ReconcileConfig struct {
	SLA        time.Duration `mapstructure:"sla"`
	SweepEvery time.Duration `mapstructure:"sweep_every"`
	SweepLimit int           `mapstructure:"sweep_limit"`
}

// WorkerConfig — пул воркеров Action Orchestrator'а.
type WorkerConfig struct {
	Count        int           `mapstructure:"count"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	ExecutorURL  string        `mapstructure:"executor_url"`
}

// NotifyConfig — fire-and-forget нотификации о нарушениях.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	BufferSize int           `mapstructure:"buffer_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// Признаваемые границы конфигурационных опций.
const (
	MinGateTimeout = 50 * time.Millisecond
	MaxGateTimeout = 30 * time.Second

	MinExportWindowDays = 1
	MaxExportWindowDays = 3650

	MinExportRows = 1
	MaxExportRows = 50000

	MinReconcileSLA = 60 * time.Second
	MaxReconcileSLA = 7 * 24 * time.Hour
)

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: GATE_TIMEOUT=5s перекроет gate.timeout
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла (его отсутствие не ошибка — работаем на ENV и дефолтах)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ключи из файла ИЛИ напрямую из ENV (для Docker/K8s)
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("gate.timeout", 2*time.Second)
	v.SetDefault("gate.fail_safe_decision", "require_approval")
	v.SetDefault("gate.approval_token_ttl", 15*time.Minute)

	v.SetDefault("export.max_window_days", 366)
	v.SetDefault("export.max_rows", 10000)
	v.SetDefault("export.signing_key_id", "v1")

	v.SetDefault("reconcile.sla", 24*time.Hour)
	v.SetDefault("reconcile.sweep_every", 5*time.Minute)
	v.SetDefault("reconcile.sweep_limit", 500)

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.poll_interval", time.Second)

	v.SetDefault("notify.buffer_size", 1000)
	v.SetDefault("notify.timeout", 5*time.Second)

	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
}

// Validate проверяет признаваемые опции на допустимые границы.
func (c *Config) Validate() error {
	if c.Gate.Timeout < MinGateTimeout || c.Gate.Timeout > MaxGateTimeout {
		return fmt.Errorf("config: gate.timeout %v out of range [%v, %v]",
			c.Gate.Timeout, MinGateTimeout, MaxGateTimeout)
	}
	if fs := c.Gate.FailSafeDecision; fs != "require_approval" && fs != "deny" {
		return fmt.Errorf("config: gate.fail_safe_decision must be require_approval or deny, got %q", fs)
	}
	if c.Export.MaxWindowDays < MinExportWindowDays || c.Export.MaxWindowDays > MaxExportWindowDays {
		return fmt.Errorf("config: export.max_window_days %d out of range [%d, %d]",
			c.Export.MaxWindowDays, MinExportWindowDays, MaxExportWindowDays)
	}
	if c.Export.MaxRows < MinExportRows || c.Export.MaxRows > MaxExportRows {
		return fmt.Errorf("config: export.max_rows %d out of range [%d, %d]",
			c.Export.MaxRows, MinExportRows, MaxExportRows)
	}
	if c.Reconcile.SLA < MinReconcileSLA || c.Reconcile.SLA > MaxReconcileSLA {
		return fmt.Errorf("config: reconcile.sla %v out of range [%v, %v]",
			c.Reconcile.SLA, MinReconcileSLA, MaxReconcileSLA)
	}
	return nil
}

// loadKeyResource — универсальный хелпер загрузки ключевого материала.
func loadKeyResource(path string, envDataKey string) []byte {
	// Если ключ прилетел напрямую в ENV (PEM)
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
