package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации контрол-плейна.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Treasury TreasuryConfig `mapstructure:"treasury"`
	Registry RegistryConfig `mapstructure:"registry"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки консольного HTTP-сервера и метрик.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"` // Запросов в секунду на authorize
	RateBurst    int           `mapstructure:"rate_burst"`
}

// DatabaseConfig описывает подключение к хранилищу.
// Если URL пуст, используется встроенный SQLite по SQLitePath;
// пустой SQLitePath означает in-memory бэкенд (dev/тесты).
type DatabaseConfig struct {
	URL        string `mapstructure:"url"` // PostgreSQL DSN
	SQLitePath string `mapstructure:"sqlite_path"`
	MaxConns   int32  `mapstructure:"max_conns"`
	MinConns   int32  `mapstructure:"min_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub аварийных сигналов).
// Пустой Addr отключает межинстансовую синхронизацию.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT консоли.
type AuthConfig struct {
	PublicKeyPath  string          `mapstructure:"public_key_path"`
	PrivateKeyPath string          `mapstructure:"private_key_path"`
	TokenTTL       time.Duration   `mapstructure:"token_ttl"`
	BcryptCost     int             `mapstructure:"bcrypt_cost"`
	Operators      []OperatorCreds `mapstructure:"operators"`
	PublicKey      []byte
	PrivateKey     []byte
}

// OperatorCreds — учетка оператора консоли (пароль — bcrypt-хэш).
type OperatorCreds struct {
	Login        string   `mapstructure:"login"`
	PasswordHash string   `mapstructure:"password_hash"`
	Roles        []string `mapstructure:"roles"` // finance, operations, compliance
}

// AllocationConfig — строка таблицы процентных аллокаций бюджета.
type AllocationConfig struct {
	Group             string  `mapstructure:"group"`
	Pillar            string  `mapstructure:"pillar"`
	Percent           float64 `mapstructure:"percent"`
	DailyCap          float64 `mapstructure:"daily_cap"`
	MonthlyCap        float64 `mapstructure:"monthly_cap"`
	PerTransactionCap float64 `mapstructure:"per_transaction_cap"`
	ApprovalThreshold float64 `mapstructure:"approval_threshold"`
	MultisigThreshold float64 `mapstructure:"multisig_threshold"`
	BoardThreshold    float64 `mapstructure:"board_threshold"`
}

// TreasuryConfig — общий котел и таблица аллокаций по группам.
type TreasuryConfig struct {
	TotalBudget float64            `mapstructure:"total_budget"`
	BoardSize   int                `mapstructure:"board_size"`
	Allocations []AllocationConfig `mapstructure:"allocations"`
}

// RegistryConfig — пороги уровней автономии и настройки KPI-цикла.
type RegistryConfig struct {
	Tier2BatchCap float64        `mapstructure:"tier2_batch_cap"`
	Tier3ValueCap float64        `mapstructure:"tier3_value_cap"`
	ReadOnlyTools []string       `mapstructure:"read_only_tools"`
	DefaultTiers  map[string]int `mapstructure:"default_tiers"` // pillar -> tier
	EvalInterval  time.Duration  `mapstructure:"eval_interval"`
	HistoryLimit  int            `mapstructure:"history_limit"`
}

// PolicyConfig — файл правил компилятора и удаленный источник решений.
type PolicyConfig struct {
	RulesFile     string        `mapstructure:"rules_file"`
	RemoteURL     string        `mapstructure:"remote_url"` // Пусто — без удаленного источника
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
}

// AuditConfig настраивает асинхронный журнал.
type AuditConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает конфиг: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолтные значения
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи из файла ИЛИ напрямую из ENV (для Docker/K8s)
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit", 100.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("treasury.board_size", 3)
	v.SetDefault("registry.eval_interval", time.Hour)
	v.SetDefault("registry.history_limit", 168)
	v.SetDefault("policy.remote_timeout", 5*time.Second)
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — ключ либо напрямую из ENV, либо файлом по пути
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
