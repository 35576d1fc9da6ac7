package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TIMEZONE" default:"Europe/London"`
	Port   int    `envconfig:"PORT" default:"8080"`
	DryRun bool   `envconfig:"DRY_RUN" default:"false"`

	Telegram struct {
		Token          string `envconfig:"TG_BOT_TOKEN"`
		WebhookURL     string `envconfig:"TG_WEBHOOK_URL"`
		WebhookSecret  string `envconfig:"TG_WEBHOOK_SECRET"`
		ApprovalChatID int64  `envconfig:"TG_APPROVAL_CHAT_ID"`
		ChannelID      int64  `envconfig:"TG_CHANNEL_ID"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Rotation struct {
		DailySlots   string `envconfig:"DAILY_SLOTS" default:"09:00,13:00,17:30"`
		PostsPerSlot int    `envconfig:"POSTS_PER_SLOT" default:"1"`
		MonthlyCap   int    `envconfig:"PER_CLIENT_MONTHLY_CAP" default:"2"`
		CooldownDays int    `envconfig:"COOLDOWN_DAYS" default:"14"`
		JitterMaxMin int    `envconfig:"SLOT_JITTER_MAX_MIN" default:"25"`
	} `envconfig:""`

	Approval struct {
		Mode          string `envconfig:"APPROVAL_MODE" default:"manual"`
		GraceMin      int    `envconfig:"APPROVAL_GRACE_MIN" default:"90"`
		TimeoutPolicy string `envconfig:"APPROVAL_TIMEOUT_POLICY" default:"auto_cancel"`
	} `envconfig:""`

	Templates struct {
		Path string `envconfig:"TEMPLATES_PATH" default:"templates.yaml"`
	} `envconfig:""`

	Publish struct {
		FallbackImageURL string `envconfig:"FALLBACK_IMAGE_URL"`
		EnableX          bool   `envconfig:"ENABLE_X" default:"false"`
		XBearerToken     string `envconfig:"X_BEARER_TOKEN"`
		XBaseURL         string `envconfig:"X_BASE_URL"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Queues struct {
		Slots string `envconfig:"SLOT_QUEUE_KEY" default:"slot_jobs"`
	} `envconfig:""`

	Admin struct {
		Token string `envconfig:"ADMIN_API_TOKEN"`
	} `envconfig:""`

	Learner struct {
		WindowDays    int `envconfig:"LEARNER_WINDOW_DAYS" default:"30"`
		MinRejections int `envconfig:"LEARNER_MIN_REJECTIONS" default:"2"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
