package main

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFile represents the config.toml structure.
type ConfigFile struct {
	ListenAddr string `toml:"listen_addr"`
	DataDir    string `toml:"data_dir"`
	AdminKeys  string `toml:"admin_keys"`  // comma-separated
	ClientKeys string `toml:"client_keys"` // comma-separated
	ProxyURL   string `toml:"proxy_url"`
	Debug      bool   `toml:"debug"`

	RequestTimeoutSeconds int `toml:"request_timeout_seconds"` // overall, non-streaming only
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	ReadTimeoutSeconds    int `toml:"read_timeout_seconds"` // per streamed chunk
	RequestRetries        int `toml:"request_retries"`

	SessionIdleSeconds    int  `toml:"session_idle_seconds"`
	SessionSweepSeconds   int  `toml:"session_sweep_seconds"`
	MaxSessionsPerAccount int  `toml:"max_sessions_per_account"`
	PreserveChats         bool `toml:"preserve_chats"`

	PadtxtLength        int    `toml:"padtxt_length"`
	HumanName           string `toml:"human_name"`
	AssistantName       string `toml:"assistant_name"`
	UseRealRoles        bool   `toml:"use_real_roles"`
	AllowExternalImages bool   `toml:"allow_external_images"`

	OAuthClientID     string `toml:"oauth_client_id"`
	OAuthAuthorizeURL string `toml:"oauth_authorize_url"`
	OAuthTokenURL     string `toml:"oauth_token_url"`
	OAuthRedirectURI  string `toml:"oauth_redirect_uri"`

	ClaudeAPIBase string `toml:"claude_api_base"`
	ClaudeWebBase string `toml:"claude_web_base"`

	UsageRetentionDays int `toml:"usage_retention_days"`
}

// loadConfigFile loads config.toml if it exists.
// Returns nil if the file doesn't exist.
func loadConfigFile(path string) (*ConfigFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var cfg ConfigFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// getConfigString returns the config value with priority: env var > config file > default.
func getConfigString(envKey string, configValue string, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

// getConfigInt returns the config value with priority: env var > config file > default.
func getConfigInt(envKey string, configValue int, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

// getConfigBool returns the config value with priority: env var > config file.
func getConfigBool(envKey string, configValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return configValue
}

// config is the resolved runtime configuration.
type config struct {
	listenAddr string
	dataDir    string
	adminKeys  map[string]bool
	clientKeys map[string]bool
	proxyURL   string
	debug      bool

	requestTimeout time.Duration // overall, non-streaming only
	connectTimeout time.Duration
	readTimeout    time.Duration // per streamed chunk
	requestRetries int

	sessionIdle    time.Duration
	sessionSweep   time.Duration
	maxSessions    int
	preserveChats  bool

	padtxtLength        int
	humanName           string
	assistantName       string
	useRealRoles        bool
	allowExternalImages bool

	oauthClientID     string
	oauthAuthorizeURL string
	oauthTokenURL     string
	oauthRedirectURI  string

	claudeAPIBase string
	claudeWebBase string

	usageRetentionDays int
}

func keySet(raw string) map[string]bool {
	set := make(map[string]bool)
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			set[k] = true
		}
	}
	return set
}

func buildConfig() config {
	path := getConfigString("CONFIG_PATH", "", "config.toml")
	fc, err := loadConfigFile(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if fc == nil {
		fc = &ConfigFile{}
	}

	return config{
		listenAddr: getConfigString("LISTEN_ADDR", fc.ListenAddr, ":5201"),
		dataDir:    getConfigString("DATA_DIR", fc.DataDir, "data"),
		adminKeys:  keySet(getConfigString("ADMIN_KEYS", fc.AdminKeys, "")),
		clientKeys: keySet(getConfigString("CLIENT_KEYS", fc.ClientKeys, "")),
		proxyURL:   getConfigString("PROXY_URL", fc.ProxyURL, ""),
		debug:      getConfigBool("DEBUG", fc.Debug),

		requestTimeout: time.Duration(getConfigInt("REQUEST_TIMEOUT_SECONDS", fc.RequestTimeoutSeconds, 600)) * time.Second,
		connectTimeout: time.Duration(getConfigInt("CONNECT_TIMEOUT_SECONDS", fc.ConnectTimeoutSeconds, 30)) * time.Second,
		readTimeout:    time.Duration(getConfigInt("READ_TIMEOUT_SECONDS", fc.ReadTimeoutSeconds, 60)) * time.Second,
		requestRetries: getConfigInt("REQUEST_RETRIES", fc.RequestRetries, 3),

		sessionIdle:   time.Duration(getConfigInt("SESSION_IDLE_SECONDS", fc.SessionIdleSeconds, 300)) * time.Second,
		sessionSweep:  time.Duration(getConfigInt("SESSION_SWEEP_SECONDS", fc.SessionSweepSeconds, 30)) * time.Second,
		maxSessions:   getConfigInt("MAX_SESSIONS_PER_ACCOUNT", fc.MaxSessionsPerAccount, 3),
		preserveChats: getConfigBool("PRESERVE_CHATS", fc.PreserveChats),

		padtxtLength:        getConfigInt("PADTXT_LENGTH", fc.PadtxtLength, 0),
		humanName:           getConfigString("HUMAN_NAME", fc.HumanName, "Human"),
		assistantName:       getConfigString("ASSISTANT_NAME", fc.AssistantName, "Assistant"),
		useRealRoles:        getConfigBool("USE_REAL_ROLES", fc.UseRealRoles),
		allowExternalImages: getConfigBool("ALLOW_EXTERNAL_IMAGES", fc.AllowExternalImages),

		oauthClientID:     getConfigString("OAUTH_CLIENT_ID", fc.OAuthClientID, claudeOAuthClientID),
		oauthAuthorizeURL: getConfigString("OAUTH_AUTHORIZE_URL", fc.OAuthAuthorizeURL, claudeOAuthAuthorizeURL),
		oauthTokenURL:     getConfigString("OAUTH_TOKEN_URL", fc.OAuthTokenURL, claudeOAuthTokenURL),
		oauthRedirectURI:  getConfigString("OAUTH_REDIRECT_URI", fc.OAuthRedirectURI, claudeOAuthRedirectURI),

		claudeAPIBase: getConfigString("CLAUDE_API_BASE", fc.ClaudeAPIBase, "https://api.anthropic.com"),
		claudeWebBase: getConfigString("CLAUDE_WEB_BASE", fc.ClaudeWebBase, "https://claude.ai"),

		usageRetentionDays: getConfigInt("USAGE_RETENTION_DAYS", fc.UsageRetentionDays, 30),
	}
}
