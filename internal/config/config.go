// Package config 读取 bpmn-scenario 的配置, yaml 文件加上 SIMPLEBPMN_ 开头的环境变量
package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "SIMPLEBPMN"

const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Lock     LockConfig     `mapstructure:"lock"`
	Coverage CoverageConfig `mapstructure:"coverage"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

type EngineConfig struct {
	MaxSteps       int    `mapstructure:"max_steps" validate:"gt=0"`
	MaxCallDepth   int    `mapstructure:"max_call_depth" validate:"gt=0"`
	DefinitionsDir string `mapstructure:"definitions_dir"`
}

type LockConfig struct {
	Backend     string        `mapstructure:"backend" validate:"oneof=local redis"`
	MaxLockTime time.Duration `mapstructure:"max_lock_time" validate:"gt=0"`
	Redis       RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	// Enabled 由 lock.backend 推出来, 不从配置读取
	Enabled bool `mapstructure:"-"`
}

type CoverageConfig struct {
	// DatabasePath 为空时不保存覆盖率
	DatabasePath       string   `mapstructure:"database_path"`
	Suite              string   `mapstructure:"suite" validate:"required"`
	Minimum            float64  `mapstructure:"minimum" validate:"gte=0,lte=1"`
	ExcludeProcessKeys []string `mapstructure:"exclude_process_keys"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format" validate:"oneof=json console"`
}

var validatorUtil = validator.New()

/**
 * @description: 读取配置, configPath 为空时只用默认值和环境变量
 * @param configPath yaml 文件路径
 * @return *Config, error
 */
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	}
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}
	return &cfg, nil
}

// setDefaults 所有 key 都要有默认值, 不然 AutomaticEnv 在 Unmarshal 时找不到
func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.max_steps", 1000)
	v.SetDefault("engine.max_call_depth", 16)
	v.SetDefault("engine.definitions_dir", "")

	v.SetDefault("lock.backend", LockBackendLocal)
	v.SetDefault("lock.max_lock_time", 10*time.Minute)
	v.SetDefault("lock.redis.addr", "")
	v.SetDefault("lock.redis.password", "")
	v.SetDefault("lock.redis.db", 0)

	v.SetDefault("coverage.database_path", "")
	v.SetDefault("coverage.suite", "default")
	v.SetDefault("coverage.minimum", 0.0)
	v.SetDefault("coverage.exclude_process_keys", []string{})

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stderr")
	v.SetDefault("logger.format", "console")
}

func bindEnvVars(v *viper.Viper) error {
	// redis 密码通常由部署环境注入, 不写在文件里
	if err := v.BindEnv("lock.redis.password", envPrefix+"_REDIS_PASSWORD", "REDIS_PASSWORD"); err != nil {
		return errors.Wrap(err, "bind redis password")
	}
	return nil
}

// Validate 检查配置是否合法
func (c *Config) Validate() error {
	c.Lock.Redis.Enabled = c.Lock.Backend == LockBackendRedis
	if err := validatorUtil.Struct(c); err != nil {
		return errors.Wrap(err, "validate config")
	}
	return nil
}
