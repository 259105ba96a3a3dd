package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"stb-proxy/work/logger"
)

// Stream methods accepted by StreamMethod.
const (
	StreamMethodFFmpeg   = "ffmpeg"
	StreamMethodDirect   = "direct"
	StreamMethodRedirect = "redirect"
)

// Account wait policies accepted by AccountWaitPolicy.
const (
	WaitPolicyPoll = "poll"
	WaitPolicySkip = "skip"
)

// Config holds the process settings. Sources and accounts live in the database;
// everything here is global behavior.
type Config struct {
	Host      string `json:"-"` // host[:port] used in generated URLs (HOST env)
	ConfigDir string `json:"-"` // directory for settings.json, the database and the log (CONFIG env)

	StreamMethod         string        `json:"streamMethod"`         // ffmpeg, direct or redirect
	StreamTimeout        time.Duration `json:"streamTimeout"`        // upstream media/probe timeout
	StreamChunkSize      int           `json:"streamChunkSize"`      // bytes per relay read
	FFmpegPreInput       []string      `json:"ffmpegPreInput"`       // extra arguments before -i
	FFmpegPreOutput      []string      `json:"ffmpegPreOutput"`      // arguments between the input and the output format
	TestStreams          bool          `json:"testStreams"`          // probe links with ffprobe before relaying
	ShortStreamThreshold time.Duration `json:"shortStreamThreshold"` // server closes faster than this rotate the account
	ShuffleAccounts      bool          `json:"shuffleAccounts"`      // randomize account order per request

	AccountWaitPolicy   string        `json:"accountWaitPolicy"`   // poll or skip when an account is at its limit
	AccountWaitInterval time.Duration `json:"accountWaitInterval"` // poll tick
	AccountWaitBudget   time.Duration `json:"accountWaitBudget"`   // total poll time per account

	PortalRetries        int           `json:"portalRetries"`        // attempts per portal call
	PortalBackoffInitial time.Duration `json:"portalBackoffInitial"` // first retry delay
	PortalBackoffMax     time.Duration `json:"portalBackoffMax"`     // retry delay cap
	PortalRequestTimeout time.Duration `json:"portalRequestTimeout"` // per HTTP call
	PortalRateLimit      int           `json:"portalRateLimit"`      // requests per second per source

	UseChannelGroups  bool `json:"useChannelGroups"`
	UseChannelNumbers bool `json:"useChannelNumbers"`
	SortByGroup       bool `json:"sortByGroup"`
	SortByNumber      bool `json:"sortByNumber"`
	SortByName        bool `json:"sortByName"`

	EnableSecurity bool   `json:"enableSecurity"`
	Username       string `json:"username"`
	PasswordHash   string `json:"passwordHash"` // bcrypt hash

	EnableHDHR bool   `json:"enableHdhr"`
	HDHRName   string `json:"hdhrName"`
	HDHRID     string `json:"hdhrId"`
	HDHRTuners int    `json:"hdhrTuners"`

	WorkerThreads  int           `json:"workerThreads"`  // ants pool size
	CacheDuration  time.Duration `json:"cacheDuration"`  // endpoint/genre/playlist cache TTL
	EPGPeriodHours int           `json:"epgPeriodHours"` // get_epg_info period
	ObfuscateUrls  bool          `json:"obfuscateUrls"`  // mask URLs in logs
	Debug          bool          `json:"debug"`
}

// ConfigFile is the on-disk shape of settings.json. Durations are strings
// ("5s", "2m") and the password may be supplied in clear text, in which case it
// is hashed on load and never written back.
type ConfigFile struct {
	StreamMethod         string   `json:"streamMethod"`
	StreamTimeout        string   `json:"streamTimeout"`
	StreamChunkSize      int      `json:"streamChunkSize"`
	FFmpegPreInput       []string `json:"ffmpegPreInput"`
	FFmpegPreOutput      []string `json:"ffmpegPreOutput"`
	TestStreams          bool     `json:"testStreams"`
	ShortStreamThreshold string   `json:"shortStreamThreshold"`
	ShuffleAccounts      bool     `json:"shuffleAccounts"`

	AccountWaitPolicy   string `json:"accountWaitPolicy"`
	AccountWaitInterval string `json:"accountWaitInterval"`
	AccountWaitBudget   string `json:"accountWaitBudget"`

	PortalRetries        int    `json:"portalRetries"`
	PortalBackoffInitial string `json:"portalBackoffInitial"`
	PortalBackoffMax     string `json:"portalBackoffMax"`
	PortalRequestTimeout string `json:"portalRequestTimeout"`
	PortalRateLimit      int    `json:"portalRateLimit"`

	UseChannelGroups  bool `json:"useChannelGroups"`
	UseChannelNumbers bool `json:"useChannelNumbers"`
	SortByGroup       bool `json:"sortByGroup"`
	SortByNumber      bool `json:"sortByNumber"`
	SortByName        bool `json:"sortByName"`

	EnableSecurity bool   `json:"enableSecurity"`
	Username       string `json:"username"`
	Password       string `json:"password,omitempty"`
	PasswordHash   string `json:"passwordHash,omitempty"`

	EnableHDHR bool   `json:"enableHdhr"`
	HDHRName   string `json:"hdhrName"`
	HDHRID     string `json:"hdhrId"`
	HDHRTuners int    `json:"hdhrTuners"`

	WorkerThreads  int    `json:"workerThreads"`
	CacheDuration  string `json:"cacheDuration"`
	EPGPeriodHours int    `json:"epgPeriodHours"`
	ObfuscateUrls  bool   `json:"obfuscateUrls"`
	Debug          bool   `json:"debug"`
}

const (
	settingsFileName = "settings.json"
	defaultHost      = "localhost:8001"
	defaultPassword  = "12345"
)

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the settings from <CONFIG>/settings.json or returns the
// cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Falls back to defaults when the file is missing or invalid, and writes
//     the defaults back so operators have a file to edit.
//   - Runs a single validation pass to fill missing values.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	dir := ConfigDirFromEnv()
	path := filepath.Join(dir, settingsFileName)

	cfg, err := loadFromFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("{config - LoadConfig} no settings file at %s, creating one", path)
		} else {
			logger.Error("{config - LoadConfig} failed to load settings from %s: %v", path, err)
		}
		cfg = getDefaultConfig()
	}

	// write the validated document back so generated values (hdhr id,
	// password hash) stay stable across restarts
	validateAndSetDefaults(cfg)
	if err := saveToFile(path, cfg); err != nil {
		logger.Error("{config - LoadConfig} failed to write settings: %v", err)
	}

	cfg.ConfigDir = dir
	cfg.Host = HostFromEnv()
	if debugFromEnv() {
		cfg.Debug = true
	}

	configCache = cfg
	return cfg
}

// Load reads a settings file without touching the process cache.
func Load(path string) (*Config, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		return nil, err
	}
	validateAndSetDefaults(cfg)
	cfg.ConfigDir = filepath.Dir(path)
	return cfg, nil
}

// ConfigDirFromEnv returns the CONFIG directory, defaulting to the working
// directory.
func ConfigDirFromEnv() string {
	if dir := os.Getenv("CONFIG"); dir != "" {
		return dir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// HostFromEnv returns the externally reachable host used in generated URLs.
func HostFromEnv() string {
	if host := os.Getenv("HOST"); host != "" {
		return host
	}
	return defaultHost
}

func debugFromEnv() bool {
	v := strings.ToLower(os.Getenv("DEBUG"))
	return v == "true" || v == "1"
}

// loadFromFile reads and parses the settings from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse settings JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings and
// hashing a clear-text password.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		StreamMethod:      strings.ToLower(strings.TrimSpace(cf.StreamMethod)),
		StreamChunkSize:   cf.StreamChunkSize,
		FFmpegPreInput:    cf.FFmpegPreInput,
		FFmpegPreOutput:   cf.FFmpegPreOutput,
		TestStreams:       cf.TestStreams,
		ShuffleAccounts:   cf.ShuffleAccounts,
		AccountWaitPolicy: strings.ToLower(strings.TrimSpace(cf.AccountWaitPolicy)),
		PortalRetries:     cf.PortalRetries,
		PortalRateLimit:   cf.PortalRateLimit,
		UseChannelGroups:  cf.UseChannelGroups,
		UseChannelNumbers: cf.UseChannelNumbers,
		SortByGroup:       cf.SortByGroup,
		SortByNumber:      cf.SortByNumber,
		SortByName:        cf.SortByName,
		EnableSecurity:    cf.EnableSecurity,
		Username:          cf.Username,
		PasswordHash:      cf.PasswordHash,
		EnableHDHR:        cf.EnableHDHR,
		HDHRName:          cf.HDHRName,
		HDHRID:            cf.HDHRID,
		HDHRTuners:        cf.HDHRTuners,
		WorkerThreads:     cf.WorkerThreads,
		EPGPeriodHours:    cf.EPGPeriodHours,
		ObfuscateUrls:     cf.ObfuscateUrls,
		Debug:             cf.Debug,
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"streamTimeout", cf.StreamTimeout, &cfg.StreamTimeout},
		{"shortStreamThreshold", cf.ShortStreamThreshold, &cfg.ShortStreamThreshold},
		{"accountWaitInterval", cf.AccountWaitInterval, &cfg.AccountWaitInterval},
		{"accountWaitBudget", cf.AccountWaitBudget, &cfg.AccountWaitBudget},
		{"portalBackoffInitial", cf.PortalBackoffInitial, &cfg.PortalBackoffInitial},
		{"portalBackoffMax", cf.PortalBackoffMax, &cfg.PortalBackoffMax},
		{"portalRequestTimeout", cf.PortalRequestTimeout, &cfg.PortalRequestTimeout},
		{"cacheDuration", cf.CacheDuration, &cfg.CacheDuration},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	if cf.Password != "" {
		if err := cfg.SetPassword(cf.Password); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// toFile converts the runtime settings back to their on-disk shape.
func toFile(cfg *Config) *ConfigFile {
	return &ConfigFile{
		StreamMethod:         cfg.StreamMethod,
		StreamTimeout:        cfg.StreamTimeout.String(),
		StreamChunkSize:      cfg.StreamChunkSize,
		FFmpegPreInput:       cfg.FFmpegPreInput,
		FFmpegPreOutput:      cfg.FFmpegPreOutput,
		TestStreams:          cfg.TestStreams,
		ShortStreamThreshold: cfg.ShortStreamThreshold.String(),
		ShuffleAccounts:      cfg.ShuffleAccounts,
		AccountWaitPolicy:    cfg.AccountWaitPolicy,
		AccountWaitInterval:  cfg.AccountWaitInterval.String(),
		AccountWaitBudget:    cfg.AccountWaitBudget.String(),
		PortalRetries:        cfg.PortalRetries,
		PortalBackoffInitial: cfg.PortalBackoffInitial.String(),
		PortalBackoffMax:     cfg.PortalBackoffMax.String(),
		PortalRequestTimeout: cfg.PortalRequestTimeout.String(),
		PortalRateLimit:      cfg.PortalRateLimit,
		UseChannelGroups:     cfg.UseChannelGroups,
		UseChannelNumbers:    cfg.UseChannelNumbers,
		SortByGroup:          cfg.SortByGroup,
		SortByNumber:         cfg.SortByNumber,
		SortByName:           cfg.SortByName,
		EnableSecurity:       cfg.EnableSecurity,
		Username:             cfg.Username,
		PasswordHash:         cfg.PasswordHash,
		EnableHDHR:           cfg.EnableHDHR,
		HDHRName:             cfg.HDHRName,
		HDHRID:               cfg.HDHRID,
		HDHRTuners:           cfg.HDHRTuners,
		WorkerThreads:        cfg.WorkerThreads,
		CacheDuration:        cfg.CacheDuration.String(),
		EPGPeriodHours:       cfg.EPGPeriodHours,
		ObfuscateUrls:        cfg.ObfuscateUrls,
		Debug:                cfg.Debug,
	}
}

// getDefaultConfig returns the baseline settings used when no file exists.
func getDefaultConfig() *Config {
	return &Config{
		StreamMethod:         StreamMethodDirect,
		StreamTimeout:        5 * time.Second,
		StreamChunkSize:      1024,
		FFmpegPreInput:       []string{},
		FFmpegPreOutput:      []string{"-codec", "copy"},
		TestStreams:          false,
		ShortStreamThreshold: 120 * time.Second,
		AccountWaitPolicy:    WaitPolicyPoll,
		AccountWaitInterval:  100 * time.Millisecond,
		AccountWaitBudget:    5 * time.Second,
		PortalRetries:        4,
		PortalBackoffInitial: 200 * time.Millisecond,
		PortalBackoffMax:     2 * time.Second,
		PortalRequestTimeout: 10 * time.Second,
		PortalRateLimit:      10,
		UseChannelGroups:     true,
		UseChannelNumbers:    true,
		Username:             "admin",
		HDHRName:             "STB-Proxy",
		HDHRTuners:           1,
		WorkerThreads:        8,
		CacheDuration:        30 * time.Minute,
		EPGPeriodHours:       24,
	}
}

// validateAndSetDefaults fills in defaults for missing or invalid values.
func validateAndSetDefaults(cfg *Config) {
	switch cfg.StreamMethod {
	case StreamMethodFFmpeg, StreamMethodDirect, StreamMethodRedirect:
	case "direct buffer":
		cfg.StreamMethod = StreamMethodDirect
	default:
		cfg.StreamMethod = StreamMethodDirect
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 5 * time.Second
	}
	if cfg.StreamChunkSize <= 0 {
		cfg.StreamChunkSize = 1024
	}
	if cfg.FFmpegPreInput == nil {
		cfg.FFmpegPreInput = []string{}
	}
	if cfg.FFmpegPreOutput == nil {
		cfg.FFmpegPreOutput = []string{"-codec", "copy"}
	}
	if cfg.ShortStreamThreshold <= 0 {
		cfg.ShortStreamThreshold = 120 * time.Second
	}
	if cfg.AccountWaitPolicy != WaitPolicyPoll && cfg.AccountWaitPolicy != WaitPolicySkip {
		cfg.AccountWaitPolicy = WaitPolicyPoll
	}
	if cfg.AccountWaitInterval <= 0 {
		cfg.AccountWaitInterval = 100 * time.Millisecond
	}
	if cfg.AccountWaitBudget <= 0 {
		cfg.AccountWaitBudget = 5 * time.Second
	}
	if cfg.PortalRetries <= 0 {
		cfg.PortalRetries = 4
	}
	if cfg.PortalBackoffInitial <= 0 {
		cfg.PortalBackoffInitial = 200 * time.Millisecond
	}
	if cfg.PortalBackoffMax <= 0 {
		cfg.PortalBackoffMax = 2 * time.Second
	}
	if cfg.PortalRequestTimeout <= 0 {
		cfg.PortalRequestTimeout = 10 * time.Second
	}
	if cfg.PortalRateLimit <= 0 {
		cfg.PortalRateLimit = 10
	}
	if cfg.Username == "" {
		cfg.Username = "admin"
	}
	if cfg.PasswordHash == "" {
		if err := cfg.SetPassword(defaultPassword); err != nil {
			logger.Error("{config - validateAndSetDefaults} failed to hash default password: %v", err)
		}
	}
	if cfg.HDHRName == "" {
		cfg.HDHRName = "STB-Proxy"
	}
	if cfg.HDHRID == "" {
		cfg.HDHRID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if cfg.HDHRTuners <= 0 {
		cfg.HDHRTuners = 1
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 8
	}
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = 30 * time.Minute
	}
	if cfg.EPGPeriodHours <= 0 {
		cfg.EPGPeriodHours = 24
	}
}

// SetPassword stores a bcrypt hash of the clear-text password.
func (c *Config) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	c.PasswordHash = string(hash)
	return nil
}

// CheckCredentials reports whether the basic-auth pair matches the settings.
func (c *Config) CheckCredentials(username, password string) bool {
	if username != c.Username {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)) == nil
}

// SettingsPath returns the settings.json location.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.ConfigDir, settingsFileName)
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ConfigDir, "stb-proxy.db")
}

// LogPath returns the log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.ConfigDir, "stb-proxy.log")
}

// LogLevel returns the logger level matching the debug flag.
func (c *Config) LogLevel() string {
	if c.Debug {
		return "DEBUG"
	}
	return "INFO"
}

// SaveConfig validates the settings, writes them atomically and replaces the
// cached instance.
func SaveConfig(cfg *Config) error {
	validateAndSetDefaults(cfg)
	if err := saveToFile(cfg.SettingsPath(), cfg); err != nil {
		return err
	}

	configMutex.Lock()
	configCache = cfg
	configMutex.Unlock()
	return nil
}

// saveToFile writes settings through a temp file and a rename.
func saveToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(toFile(cfg), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp settings file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move settings file: %w", err)
	}
	return nil
}

// ApplyFile merges an uploaded settings document over a copy of the current
// settings. Fields absent from the document keep their current values.
func (c *Config) ApplyFile(data []byte) (*Config, error) {
	current := toFile(c)
	current.PasswordHash = ""
	if err := json.Unmarshal(data, current); err != nil {
		return nil, fmt.Errorf("failed to parse settings JSON: %w", err)
	}

	next, err := convertFromFile(current)
	if err != nil {
		return nil, err
	}
	if next.PasswordHash == "" {
		next.PasswordHash = c.PasswordHash
	}
	next.Host = c.Host
	next.ConfigDir = c.ConfigDir
	validateAndSetDefaults(next)
	return next, nil
}

// Public returns the settings document without the password hash.
func (c *Config) Public() *ConfigFile {
	f := toFile(c)
	f.PasswordHash = ""
	return f
}

// ClearConfigCache resets the cache. The next LoadConfig call reads the file
// again.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}
