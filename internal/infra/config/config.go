package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов. Загружается один раз при старте
// процесса и передаётся в конструкторы компонентов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	TZ          string `envconfig:"TZ" default:"Europe/Moscow"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	APIAddr     string `envconfig:"API_ADDR" default:":8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Telegram struct {
		Token   string `envconfig:"TG_BOT_TOKEN"`
		APIID   int    `envconfig:"TG_API_ID"`
		APIHash string `envconfig:"TG_API_HASH"`
	} `envconfig:""`

	MTProto struct {
		SessionName string `envconfig:"MTPROTO_SESSION_NAME" default:"default"`
		PageSize    int    `envconfig:"MTPROTO_PAGE_SIZE" default:"100"`
	} `envconfig:""`

	OpenAI struct {
		APIKey      string        `envconfig:"OPENAI_API_KEY"`
		BaseURL     string        `envconfig:"OPENAI_BASE_URL"`
		Model       string        `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		MaxTokens   int           `envconfig:"OPENAI_MAX_TOKENS" default:"4096"`
		Temperature float64       `envconfig:"OPENAI_TEMPERATURE" default:"0.2"`
		Timeout     time.Duration `envconfig:"OPENAI_TIMEOUT" default:"120s"`
	} `envconfig:""`

	OCR struct {
		Providers     []string      `envconfig:"OCR_PROVIDERS" default:"ocrspace,tesseract"`
		MinConfidence float64       `envconfig:"OCR_MIN_CONFIDENCE" default:"0.4"`
		BatchLimit    int           `envconfig:"OCR_BATCH_LIMIT" default:"50"`
		SpaceAPIKey   string        `envconfig:"OCRSPACE_API_KEY"`
		SpaceLanguage string        `envconfig:"OCRSPACE_LANGUAGE" default:"rus"`
		YandexAPIKey  string        `envconfig:"YANDEX_VISION_API_KEY"`
		YandexFolder  string        `envconfig:"YANDEX_VISION_FOLDER_ID"`
		TesseractBin  string        `envconfig:"TESSERACT_BIN" default:"tesseract"`
		TesseractLang string        `envconfig:"TESSERACT_LANG" default:"rus+eng"`
		Timeout       time.Duration `envconfig:"OCR_TIMEOUT" default:"60s"`
	} `envconfig:""`

	Scheduler struct {
		Interval    time.Duration `envconfig:"SCHEDULER_INTERVAL" default:"30m"`
		Parallelism int           `envconfig:"SCHEDULER_PARALLELISM" default:"4"`
		RunBudget   time.Duration `envconfig:"SCHEDULER_RUN_BUDGET" default:"20m"`
	} `envconfig:""`

	Delivery struct {
		MaxAttempts   int           `envconfig:"DELIVERY_MAX_ATTEMPTS" default:"5"`
		RetryInterval time.Duration `envconfig:"DELIVERY_RETRY_INTERVAL" default:"5m"`
		QueueKey      string        `envconfig:"DELIVERY_QUEUE_KEY" default:"delivery_jobs"`
	} `envconfig:""`

	Git struct {
		Enabled    bool   `envconfig:"GIT_PUSH_ENABLED" default:"false"`
		RepoDir    string `envconfig:"GIT_REPO_DIR" default:"/data/repo"`
		Branch     string `envconfig:"GIT_BRANCH" default:"main"`
		SSHKeyPath string `envconfig:"GIT_SSH_KEY_PATH"`
	} `envconfig:""`

	Limits struct {
		ConsolidatedMessages int `envconfig:"CONSOLIDATED_MSG_LIMIT" default:"500"`
		ConsolidatedOCR      int `envconfig:"CONSOLIDATED_OCR_LIMIT" default:"200"`
		MessageClipRunes     int `envconfig:"MESSAGE_CLIP_RUNES" default:"1500"`
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
