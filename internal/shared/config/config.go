package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"quickgrab/internal/shared/types"
)

const (
	DefaultKdlEndpoint = "https://dps.kdlapi.com/api/getdps/"
)

// Default 返回带有全部默认值的配置。
func Default() *types.Config {
	return &types.Config{
		LogConf: types.LogConf{Level: "info"},
		DatabaseConf: types.DatabaseConf{
			Driver:       "sqlite",
			DSN:          "data/quickgrab.db",
			MaxOpenConns: 8,
		},
		SchedulerConf: types.SchedulerConf{
			PollIntervalMs:        500,
			InitialDelayMs:        200,
			BatchSize:             50,
			ProxyTickSeconds:      5,
			WorkerPoolSize:        16,
			DefaultAdjustedFactor: 10,
			DefaultProcessingTime: 19,
		},
		ProxyConf: types.ProxyConf{
			CooldownSeconds:  30,
			ProbeTimeoutMs:   1500,
			ProbeConcurrency: 8,
		},
		KdlConf: types.KdlConf{
			Endpoint:       DefaultKdlEndpoint,
			BatchSize:      5,
			RefreshMinutes: 5,
		},
		FetcherConf: types.FetcherConf{TLSFingerprint: "go"},
		NotifyConf: types.NotifyConf{
			MailSenderName: "QuickGrab",
			RedisChannel:   "quickgrab:results",
			WebhookRetries: 3,
		},
	}
}

// LoadIni 加载 quickgrab.ini，然后依次应用 .env 与环境变量覆盖，最后校验。
// 配置文件不存在时仅使用默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	if fileName != "" {
		iniFile, err := ini.Load(fileName)
		switch {
		case err == nil:
			if err := iniFile.MapTo(cfg); err != nil {
				return fmt.Errorf("failed to map %s: %w", fileName, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return fmt.Errorf("failed to load %s: %w", fileName, err)
		}
	}

	// .env 只补充尚未设置的环境变量
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	applyEnv(cfg)

	if cfg.KdlConf.Endpoint == "" {
		cfg.KdlConf.Endpoint = DefaultKdlEndpoint
	}
	return Validate(cfg)
}

// Validate 按结构体标签校验配置。
func Validate(cfg *types.Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func applyEnv(cfg *types.Config) {
	overrideFromEnvString(&cfg.KdlConf.Endpoint, "QUICKGRAB_PROXY_ENDPOINT")
	overrideFromEnvString(&cfg.KdlConf.SecretID, "QUICKGRAB_PROXY_SECRET_ID")
	overrideFromEnvString(&cfg.KdlConf.Signature, "QUICKGRAB_PROXY_SIGNATURE")
	overrideFromEnvString(&cfg.KdlConf.Username, "QUICKGRAB_PROXY_USERNAME")
	overrideFromEnvString(&cfg.KdlConf.Password, "QUICKGRAB_PROXY_PASSWORD")
	overrideFromEnvPositiveInt(&cfg.KdlConf.BatchSize, "QUICKGRAB_PROXY_BATCH")
	overrideFromEnvPositiveInt(&cfg.KdlConf.RefreshMinutes, "QUICKGRAB_PROXY_REFRESH_MINUTES")
	overrideFromEnvString(&cfg.DatabaseConf.Driver, "QUICKGRAB_DB_DRIVER")
	overrideFromEnvString(&cfg.DatabaseConf.DSN, "QUICKGRAB_DB_DSN")
	overrideFromEnvString(&cfg.LogConf.Level, "QUICKGRAB_LOG_LEVEL")
	overrideFromEnvString(&cfg.NotifyConf.RedisURL, "QUICKGRAB_REDIS_URL")
	overrideFromEnvString(&cfg.NotifyConf.WebhookURL, "QUICKGRAB_WEBHOOK_URL")
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvPositiveInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil && intValue > 0 {
			*target = intValue
		}
	}
}
