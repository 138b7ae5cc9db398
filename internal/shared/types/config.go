package types

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
}

// DatabaseConf 描述请求/结果存储。driver 为 mysql 或 sqlite。
type DatabaseConf struct {
	Driver       string `ini:"driver" validate:"oneof=mysql sqlite"`
	DSN          string `ini:"dsn" validate:"required"`
	MaxOpenConns int    `ini:"max_open_conns" validate:"min=1,max=256"`
}

// SchedulerConf 控制轮询节奏与时间补偿的默认值 (单位: 毫秒, 除特别说明)
type SchedulerConf struct {
	PollIntervalMs        int `ini:"poll_interval_ms" validate:"min=50,max=60000"`
	InitialDelayMs        int `ini:"initial_delay_ms" validate:"min=0,max=60000"`
	BatchSize             int `ini:"batch_size" validate:"min=1,max=1000"`
	ProxyTickSeconds      int `ini:"proxy_tick_seconds" validate:"min=1,max=3600"`
	WorkerPoolSize        int `ini:"worker_pool_size" validate:"min=1,max=1024"`
	DefaultAdjustedFactor int `ini:"default_adjusted_factor"`
	DefaultProcessingTime int `ini:"default_processing_time"`
}

// ProxyConf 代理池行为配置
type ProxyConf struct {
	CooldownSeconds  int    `ini:"cooldown_seconds" validate:"min=1,max=3600"`
	SeedFile         string `ini:"seed_file"`
	ProbeTimeoutMs   int    `ini:"probe_timeout_ms" validate:"min=100,max=30000"`
	ProbeConcurrency int    `ini:"probe_concurrency" validate:"min=1,max=256"`
	Scrapers         string `ini:"scrapers"` // 逗号分隔: kuaidaili,ip3366
}

// KdlConf 快代理 (dps.kdlapi.com) 私密代理接口配置
type KdlConf struct {
	Endpoint       string `ini:"endpoint" validate:"omitempty,url"`
	SecretID       string `ini:"secret_id"`
	Signature      string `ini:"signature"`
	Username       string `ini:"username"`
	Password       string `ini:"password"`
	BatchSize      int    `ini:"batch_size" validate:"min=1,max=100"`
	RefreshMinutes int    `ini:"refresh_minutes" validate:"min=1,max=1440"`
}

// Enabled 只有同时配置了 secret_id 与 signature 才启用。
func (k KdlConf) Enabled() bool {
	return k.SecretID != "" && k.Signature != ""
}

// FetcherConf 出站请求配置
type FetcherConf struct {
	TLSFingerprint     string `ini:"tls_fingerprint" validate:"omitempty,oneof=go android chrome"`
	EgressSocks5       string `ini:"egress_socks5" validate:"omitempty,hostname_port"`
	InsecureSkipVerify bool   `ini:"insecure_skip_verify"`
}

// NotifyConf 通知渠道, 均为可选
type NotifyConf struct {
	MailSpoolDir   string `ini:"mail_spool_dir"`
	MailFrom       string `ini:"mail_from"`
	MailSenderName string `ini:"mail_sender_name"`
	RedisURL       string `ini:"redis_url"`
	RedisChannel   string `ini:"redis_channel"`
	WebhookURL     string `ini:"webhook_url" validate:"omitempty,url"`
	WebhookRetries int    `ini:"webhook_retries" validate:"min=0,max=10"`
}

// WebConf 运维接口
type WebConf struct {
	Port     int    `ini:"port" validate:"min=0,max=65535"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// Config 是 quickgrab 的统一配置结构体
type Config struct {
	LogConf       `ini:"log"`
	DatabaseConf  `ini:"database"`
	SchedulerConf `ini:"scheduler"`
	ProxyConf     `ini:"proxy"`
	KdlConf       `ini:"kdl"`
	FetcherConf   `ini:"fetcher"`
	NotifyConf    `ini:"notify"`
	WebConf       `ini:"web"`
}
