package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr          string
	WSReadBufferSize  int
	WSWriteBufferSize int
	DBDSN             string
	JWTSecret         string
	RabbitMQURL       string
	PrometheusAddr    string
	TraceStdout       bool

	// LLM upstream configuration
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	// Per-action prompt deadlines
	SpeechTimeout      time.Duration
	VoteTimeout        time.Duration
	NightActionTimeout time.Duration
	LastWordsTimeout   time.Duration

	// Rule policy flags
	WitchSelfSaveNight1Only bool
	HunterShootWhenPoisoned bool
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvSeconds(key string, def int) time.Duration {
	return time.Duration(getEnvInt(key, def)) * time.Second
}

func Load() Config {
	return Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER", 4096),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER", 4096),
		DBDSN:             getEnv("DB_DSN", "root:password@tcp(localhost:3316)/werewolf?parseTime=true&multiStatements=true&charset=utf8mb4&collation=utf8mb4_unicode_ci"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret-change"),
		RabbitMQURL:       getEnv("RABBITMQ_URL", ""),
		PrometheusAddr:    getEnv("PROM_ADDR", ":9090"),
		TraceStdout:       getEnvBool("TRACE_STDOUT", true),

		LLMBaseURL: getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:  getEnv("LLM_API_KEY", ""),
		LLMModel:   getEnv("LLM_MODEL", "gpt-4o"),
		LLMTimeout: getEnvSeconds("LLM_TIMEOUT_SEC", 60),

		SpeechTimeout:      getEnvSeconds("SPEECH_TIMEOUT_SEC", 60),
		VoteTimeout:        getEnvSeconds("VOTE_TIMEOUT_SEC", 45),
		NightActionTimeout: getEnvSeconds("NIGHT_ACTION_TIMEOUT_SEC", 45),
		LastWordsTimeout:   getEnvSeconds("LAST_WORDS_TIMEOUT_SEC", 30),

		WitchSelfSaveNight1Only: getEnvBool("WITCH_SELF_SAVE_NIGHT1_ONLY", true),
		HunterShootWhenPoisoned: getEnvBool("HUNTER_SHOOT_WHEN_POISONED", true),
	}
}
