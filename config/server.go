package config

import (
	"fmt"
	"strconv"
	"time"
)

// ServerConfig holds the HTTP API configuration. The embedded scraper
// Config drives runs triggered through POST /api/v1/scraper/run.
type ServerConfig struct {
	Addr            string
	DatasetPath     string
	UsersDBPath     string
	JWTSecret       string
	TokenTTL        time.Duration
	ScrapeTimeout   time.Duration
	RecommendURL    string
	RecommendAPIKey string
	RecommendTopK   int
	Verbose         bool

	Scraper *Config
}

// LoadServerConfig assembles the server configuration from the
// environment, falling back to development defaults.
func LoadServerConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Addr:            envOr("API_ADDR", ":8000"),
		DatasetPath:     envOr("DATASET_PATH", "data/books.csv"),
		UsersDBPath:     envOr("USERS_DB_PATH", "data/users.db"),
		JWTSecret:       envOr("JWT_SECRET", ""),
		TokenTTL:        30 * time.Minute,
		ScrapeTimeout:   10 * time.Minute,
		RecommendURL:    envOr("RECOMMEND_SERVICE_URL", ""),
		RecommendAPIKey: envOr("RECOMMEND_API_KEY", ""),
		RecommendTopK:   5,
		Scraper:         DefaultConfig(),
	}

	if ttl, ok, err := EnvDuration("TOKEN_TTL"); err != nil {
		return nil, err
	} else if ok {
		cfg.TokenTTL = ttl
	}
	if timeout, ok, err := EnvDuration("SCRAPE_TIMEOUT"); err != nil {
		return nil, err
	} else if ok {
		cfg.ScrapeTimeout = timeout
	}
	if topK, ok, err := EnvInt("RECOMMEND_TOP_K"); err != nil {
		return nil, err
	} else if ok {
		cfg.RecommendTopK = topK
	}
	if raw, ok := EnvString("API_VERBOSE"); ok {
		verbose, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid API_VERBOSE %q: %w", raw, err)
		}
		cfg.Verbose = verbose
	}
	if base, ok := EnvString("SCRAPER_BASE_URL"); ok {
		cfg.Scraper.BaseURL = base
	}
	if pages, ok, err := EnvInt("SCRAPER_PAGES"); err != nil {
		return nil, err
	} else if ok {
		cfg.Scraper.MaxPages = pages
	}
	if parallel, ok, err := EnvInt("SCRAPER_PARALLEL"); err != nil {
		return nil, err
	} else if ok {
		cfg.Scraper.Parallelism = parallel
	}

	cfg.Scraper.OutputFile = cfg.DatasetPath
	return cfg, nil
}

// Validate ensures the server configuration is usable.
func (c *ServerConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.DatasetPath == "" {
		return fmt.Errorf("dataset path cannot be empty")
	}
	if c.UsersDBPath == "" {
		return fmt.Errorf("users database path cannot be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must be set")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token TTL must be positive")
	}
	if c.ScrapeTimeout <= 0 {
		return fmt.Errorf("scrape timeout must be positive")
	}
	if c.RecommendTopK <= 0 {
		return fmt.Errorf("recommend top-k must be positive")
	}
	return c.Scraper.Validate()
}
