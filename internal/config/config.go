// Package config provides configuration management for pvrd using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultPort              = 2000
	defaultMaxClients        = 5
	defaultMaxEntries        = 256
	defaultClientIdleTime    = 10 * time.Minute
	defaultPromptTimeout     = 2 * time.Minute
	defaultWebLoginTimeout   = 30 * time.Minute
	defaultTimeResolution    = 3
	defaultReadTimeout       = 10 * time.Second
	defaultMaxLoad           = 1.0
	defaultAdmissionBackoff  = 7 * time.Minute
	defaultFilelistCooldown  = 4 * time.Minute
	defaultMaxConcurrent     = 3
	defaultQueueSize         = 64
	defaultWatchdog          = 49 * time.Hour
	defaultMinRuntime        = 30 * time.Second
	defaultShutdownGrace     = 15 * time.Second
	defaultHistoryRetention  = 20
	defaultPreStartupUptime  = 180 * time.Second
	defaultFirstpassPreset   = "fastfirstpass"
	defaultRepeatMangle      = "date"
	defaultMaintenanceCron   = "0 0 4 * * *"
	defaultTranscodeNiceness = 10
)

// Config holds all configuration for the application.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Transcode   TranscodeConfig   `mapstructure:"transcode"`
	Mail        MailConfig        `mapstructure:"mail"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds the command and web session endpoints.
type ServerConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	HTTPPort           int           `mapstructure:"http_port"`
	MaxClients         int           `mapstructure:"max_clients"`
	MaxEntries         int           `mapstructure:"max_entries"`
	ClientIdleTime     time.Duration `mapstructure:"client_idle_time"`
	RequirePassword    bool          `mapstructure:"require_password"`
	Password           string        `mapstructure:"password"`
	PromptTimeout      time.Duration `mapstructure:"prompt_timeout"`
	EnableWebInterface bool          `mapstructure:"enable_webinterface"`
	RequireWebPassword bool          `mapstructure:"require_web_password"`
	WebUser            string        `mapstructure:"web_user"`
	WebPassword        string        `mapstructure:"web_password"`
	WebLoginTimeout    time.Duration `mapstructure:"weblogin_timeout"`
}

// StorageConfig holds the data directory layout.
type StorageConfig struct {
	DataDir             string `mapstructure:"datadir"`
	CatalogFile         string `mapstructure:"catalog_file"` // overrides the path under datadir when set
	ProfileDir          string `mapstructure:"profiledir"`
	LockFile            string `mapstructure:"lockfile"`
	UseProfileDirs      bool   `mapstructure:"use_profile_directories"`
	ArchiveSource       bool   `mapstructure:"archive_source"`
	UseRepeatBasedir    bool   `mapstructure:"use_repeat_rec_basedir"`
	DefaultRepeatMangle string `mapstructure:"default_repeat_name_mangle_type"`
}

// CardControls holds analogue card tuning knobs applied at device setup.
type CardControls struct {
	ImageContrast   int  `mapstructure:"image_contrast"`   // -50..50
	ImageBrightness int  `mapstructure:"image_brightness"` // -50..50
	ImageHue        int  `mapstructure:"image_hue"`        // -50..50
	ImageSaturation int  `mapstructure:"image_saturation"` // -50..50
	AudioBass       int  `mapstructure:"audio_bass"`       // -50..50
	AudioTreble     int  `mapstructure:"audio_treble"`     // -50..50
	AudioVolume     int  `mapstructure:"audio_volume"`     // 0..100
	AudioLoudness   bool `mapstructure:"audio_loudness"`
}

// CaptureConfig holds capture hardware configuration.
type CaptureConfig struct {
	MaxDevices         int           `mapstructure:"max_video"` // 0 = one per configured device
	Devices            []string      `mapstructure:"devices"`
	TunerDevices       []string      `mapstructure:"tuner_devices"`
	TunerInputIndex    int           `mapstructure:"tuner_input_index"`
	InputSourcePrefix  string        `mapstructure:"input_source_prefix"`
	TimeResolution     int           `mapstructure:"time_resolution"` // seconds, clamped 1..10
	FrequencyMap       string        `mapstructure:"frequency_map"`
	StationsFile       string        `mapstructure:"stations_file"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	IgnoreReadTimeouts bool          `mapstructure:"ignore_read_timeouts"`
	PostRecScript      string        `mapstructure:"postrec_processing_script"`
	UsePostRecScript   bool          `mapstructure:"use_postrec_processing"`
	ExternalSwitch     bool          `mapstructure:"external_switch"`
	ExternalSwitchCmd  string        `mapstructure:"external_switch_script"`
	ExternalStation    string        `mapstructure:"external_tuner_station"`
	Controls           CardControls  `mapstructure:"cardcontrols"`
}

// TranscodeConfig holds external encoder configuration.
type TranscodeConfig struct {
	FFmpegBin        string        `mapstructure:"ffmpeg_bin"`
	DefaultProfile   string        `mapstructure:"default_transcoding_profile"`
	MaxLoad          float64       `mapstructure:"max_load_for_transcoding"`
	MaxWaitingTime   time.Duration `mapstructure:"max_waiting_time_to_transcode"` // 0 = unbounded
	AdmissionBackoff time.Duration `mapstructure:"admission_backoff"`
	FilelistCooldown time.Duration `mapstructure:"filelist_cooldown"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	QueueSize        int           `mapstructure:"queue_size"`
	FirstpassPreset  string        `mapstructure:"firstpass_preset"`
	Watchdog         time.Duration `mapstructure:"watchdog"`
	MinRuntime       time.Duration `mapstructure:"min_runtime"`
	Niceness         int           `mapstructure:"niceness"`
	KillOnShutdown   bool          `mapstructure:"kill_on_shutdown"`
	PostScript       string        `mapstructure:"posttransc_processing_script"`
	UsePostScript    bool          `mapstructure:"use_posttransc_processing"`
}

// MailConfig holds outbound notification configuration.
type MailConfig struct {
	OnError        bool   `mapstructure:"sendmail_on_error"`
	OnTranscodeEnd bool   `mapstructure:"sendmail_on_transcode_end"`
	OnShutdown     bool   `mapstructure:"sendmail_on_shutdown"`
	Address        string `mapstructure:"sendmail_address"`
	From           string `mapstructure:"daemon_email_from"`
	SMTPEnabled    bool   `mapstructure:"smtp_use"`
	SMTPServer     string `mapstructure:"smtp_server"`
	SMTPUser       string `mapstructure:"smtp_user"`
	SMTPPassword   string `mapstructure:"smtp_pwd"`
}

// ShutdownConfig holds scheduled host shutdown configuration.
type ShutdownConfig struct {
	Enabled        bool          `mapstructure:"enable"`
	ScriptName     string        `mapstructure:"script_name"`
	MinIdleTime    time.Duration `mapstructure:"min_time"`
	MaxLoad5       float64       `mapstructure:"max_5load"`
	IgnoreUsers    bool          `mapstructure:"ignore_users"`
	TimeDelay      time.Duration `mapstructure:"time_delay"`
	MinUptime      time.Duration `mapstructure:"min_uptime"`
	PreStartupTime time.Duration `mapstructure:"pre_startup_time"`
}

// MaintenanceConfig holds the background maintenance schedule.
type MaintenanceConfig struct {
	Cron             string `mapstructure:"cron"` // 6-field cron expression
	HistoryRetention int    `mapstructure:"history_retention"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with PVRD_, using underscores for nesting.
// Example: PVRD_SERVER_PORT=2000.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pvrd")
		v.AddConfigPath("$HOME/.pvrd")
	}

	v.SetEnvPrefix("PVRD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Clamp()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultPort)
	v.SetDefault("server.http_port", defaultPort+1)
	v.SetDefault("server.max_clients", defaultMaxClients)
	v.SetDefault("server.max_entries", defaultMaxEntries)
	v.SetDefault("server.client_idle_time", defaultClientIdleTime)
	v.SetDefault("server.require_password", false)
	v.SetDefault("server.prompt_timeout", defaultPromptTimeout)
	v.SetDefault("server.enable_webinterface", true)
	v.SetDefault("server.require_web_password", false)
	v.SetDefault("server.weblogin_timeout", defaultWebLoginTimeout)

	v.SetDefault("storage.datadir", "./data")
	v.SetDefault("storage.profiledir", "./profiles")
	v.SetDefault("storage.lockfile", "/var/run/pvrd.pid")
	v.SetDefault("storage.use_profile_directories", true)
	v.SetDefault("storage.archive_source", false)
	v.SetDefault("storage.use_repeat_rec_basedir", false)
	v.SetDefault("storage.default_repeat_name_mangle_type", defaultRepeatMangle)

	v.SetDefault("capture.max_video", 0)
	v.SetDefault("capture.devices", []string{"/dev/video0"})
	v.SetDefault("capture.tuner_input_index", 0)
	v.SetDefault("capture.input_source_prefix", "SE")
	v.SetDefault("capture.time_resolution", defaultTimeResolution)
	v.SetDefault("capture.read_timeout", defaultReadTimeout)
	v.SetDefault("capture.ignore_read_timeouts", false)
	v.SetDefault("capture.use_postrec_processing", false)
	v.SetDefault("capture.external_switch", false)
	v.SetDefault("capture.cardcontrols.audio_volume", 85)

	v.SetDefault("transcode.ffmpeg_bin", "ffmpeg")
	v.SetDefault("transcode.default_transcoding_profile", "default")
	v.SetDefault("transcode.max_load_for_transcoding", defaultMaxLoad)
	v.SetDefault("transcode.max_waiting_time_to_transcode", time.Duration(0))
	v.SetDefault("transcode.admission_backoff", defaultAdmissionBackoff)
	v.SetDefault("transcode.filelist_cooldown", defaultFilelistCooldown)
	v.SetDefault("transcode.max_concurrent", defaultMaxConcurrent)
	v.SetDefault("transcode.queue_size", defaultQueueSize)
	v.SetDefault("transcode.firstpass_preset", defaultFirstpassPreset)
	v.SetDefault("transcode.watchdog", defaultWatchdog)
	v.SetDefault("transcode.min_runtime", defaultMinRuntime)
	v.SetDefault("transcode.niceness", defaultTranscodeNiceness)
	v.SetDefault("transcode.kill_on_shutdown", false)
	v.SetDefault("transcode.use_posttransc_processing", false)

	v.SetDefault("mail.sendmail_on_error", false)
	v.SetDefault("mail.sendmail_on_transcode_end", false)
	v.SetDefault("mail.sendmail_on_shutdown", false)
	v.SetDefault("mail.smtp_use", false)

	v.SetDefault("shutdown.enable", false)
	v.SetDefault("shutdown.min_time", 30*time.Minute)
	v.SetDefault("shutdown.max_5load", 0.5)
	v.SetDefault("shutdown.ignore_users", false)
	v.SetDefault("shutdown.time_delay", 5*time.Minute)
	v.SetDefault("shutdown.min_uptime", 15*time.Minute)
	v.SetDefault("shutdown.pre_startup_time", defaultPreStartupUptime)

	v.SetDefault("maintenance.cron", defaultMaintenanceCron)
	v.SetDefault("maintenance.history_retention", defaultHistoryRetention)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// Clamp forces out-of-range values into their documented ranges.
func (c *Config) Clamp() {
	if c.Capture.TimeResolution < 1 {
		c.Capture.TimeResolution = 1
	}
	if c.Capture.TimeResolution > 10 {
		c.Capture.TimeResolution = 10
	}
	cc := &c.Capture.Controls
	cc.ImageContrast = clampInt(cc.ImageContrast, -50, 50)
	cc.ImageBrightness = clampInt(cc.ImageBrightness, -50, 50)
	cc.ImageHue = clampInt(cc.ImageHue, -50, 50)
	cc.ImageSaturation = clampInt(cc.ImageSaturation, -50, 50)
	cc.AudioBass = clampInt(cc.AudioBass, -50, 50)
	cc.AudioTreble = clampInt(cc.AudioTreble, -50, 50)
	cc.AudioVolume = clampInt(cc.AudioVolume, 0, 100)
	if c.Transcode.MaxConcurrent < 1 {
		c.Transcode.MaxConcurrent = 1
	}
	if c.Transcode.QueueSize < 1 {
		c.Transcode.QueueSize = 1
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > maxPort {
		return fmt.Errorf("server.http_port must be between 0 and %d", maxPort)
	}
	if c.Server.MaxClients < 1 {
		return fmt.Errorf("server.max_clients must be at least 1")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.datadir is required")
	}
	if c.Storage.ProfileDir == "" {
		return fmt.Errorf("storage.profiledir is required")
	}
	if len(c.Capture.Devices) == 0 && c.Capture.MaxDevices > 0 {
		return fmt.Errorf("capture.devices is required when capture.max_video > 0")
	}
	if c.Transcode.MaxLoad <= 0 {
		return fmt.Errorf("transcode.max_load_for_transcoding must be positive")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}

// NumDevices returns the effective number of capture devices.
// A max_video of 0 means one device per configured device path.
func (c *CaptureConfig) NumDevices() int {
	if c.MaxDevices > 0 {
		if c.MaxDevices < len(c.Devices) {
			return c.MaxDevices
		}
		return len(c.Devices)
	}
	return len(c.Devices)
}

// Address returns the command server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// HTTPAddress returns the web server address in host:port format.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// ScratchDir returns the per-job scratch directory for a device and
// basename. It holds the raw recording, encoder logs and two-pass
// artifacts for one job, and is removed once every transcode of the
// recording has succeeded.
func (c *StorageConfig) ScratchDir(device int, basename string) string {
	return filepath.Join(c.DataDir, "vtmp", fmt.Sprintf("vid%d", device), basename)
}

// ScratchPath returns the raw recording path inside its scratch
// directory.
func (c *StorageConfig) ScratchPath(device int, basename string) string {
	return filepath.Join(c.ScratchDir(device, basename), basename+".mp2")
}

// OutputPath returns the transcoded output directory for a profile.
func (c *StorageConfig) OutputPath(profile string) string {
	if c.UseProfileDirs {
		return filepath.Join(c.DataDir, "mp4", profile)
	}
	return filepath.Join(c.DataDir, "mp4")
}

// ArchivePath returns the source archive directory for a profile.
func (c *StorageConfig) ArchivePath(profile string) string {
	if c.UseProfileDirs {
		return filepath.Join(c.DataDir, "mp2", profile)
	}
	return filepath.Join(c.DataDir, "mp2")
}

// CatalogPath returns the catalog snapshot path.
func (c *StorageConfig) CatalogPath() string {
	if c.CatalogFile != "" {
		return c.CatalogFile
	}
	return filepath.Join(c.DataDir, "xmldb", "catalog.xml")
}

// HistoryPath returns the recording history database path.
func (c *StorageConfig) HistoryPath() string {
	return filepath.Join(c.DataDir, "xmldb", "history.db")
}

// StatsPath returns the statistics directory.
func (c *StorageConfig) StatsPath() string {
	return filepath.Join(c.DataDir, "stats")
}
