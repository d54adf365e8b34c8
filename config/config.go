package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	TransportPubSub = "pubsub"
	TransportMQTT   = "mqtt"
)

// Config is read from an optional YAML file, then from the environment.
// Environment variables win over the file.
type Config struct {
	Transport          string `yaml:"transport"`
	ReportSubscription string `yaml:"reportSubscription"`
	GoogleProjectID    string `yaml:"googleProjectId"`
	CredentialsFile    string `yaml:"credentialsFile"`

	MQTTBroker   string `yaml:"mqttBroker"`
	MQTTClientID string `yaml:"mqttClientId"`
	MQTTUsername string `yaml:"mqttUsername"`
	MQTTPassword string `yaml:"mqttPassword"`

	// Empty EtcdEndpoints keeps all state in process memory.
	EtcdEndpoints   []string      `yaml:"etcdEndpoints"`
	EtcdPrefix      string        `yaml:"etcdPrefix"`
	EtcdDialTimeout time.Duration `yaml:"etcdDialTimeout"`

	MetricsPort int    `yaml:"metricsPort"`
	LogLevel    string `yaml:"logLevel"`

	FreshnessWindow     time.Duration `yaml:"freshnessWindow"`
	CameraGracePeriod   time.Duration `yaml:"cameraGracePeriod"`
	DiscoveryCacheTTL   time.Duration `yaml:"discoveryCacheTTL"`
	MessageExpiration   time.Duration `yaml:"messageExpiration"`
	DispatchConcurrency int           `yaml:"dispatchConcurrency"`
	PollInterval        time.Duration `yaml:"pollInterval"`
	FanOutMaxAttempts   int           `yaml:"fanOutMaxAttempts"`
	SingleMinAttempts   int           `yaml:"singleMinAttempts"`
	ThroughputFactor    float64       `yaml:"throughputFactor"`
	ScalingFactor       float64       `yaml:"scalingFactor"`
	ResponseTTL         time.Duration `yaml:"responseTTL"`
	MergeTolerance      time.Duration `yaml:"mergeTolerance"`
	MaxClipDuration     time.Duration `yaml:"maxClipDuration"`
}

func Defaults() *Config {
	return &Config{
		Transport:           TransportPubSub,
		MQTTClientID:        "fleetd",
		EtcdPrefix:          "/fleet",
		EtcdDialTimeout:     5 * time.Second,
		MetricsPort:         8080,
		LogLevel:            "info",
		FreshnessWindow:     15 * time.Second,
		CameraGracePeriod:   10 * time.Minute,
		DiscoveryCacheTTL:   time.Hour,
		MessageExpiration:   30 * time.Second,
		DispatchConcurrency: 16,
		PollInterval:        time.Second,
		FanOutMaxAttempts:   10,
		SingleMinAttempts:   10,
		ThroughputFactor:    1.0,
		ScalingFactor:       3.0,
		ResponseTTL:         time.Hour,
		MergeTolerance:      time.Second,
		MaxClipDuration:     10 * time.Minute,
	}
}

// Load builds the configuration. file may be empty; FLEET_CONFIG_FILE is
// used then.
func Load(file string) (*Config, error) {
	cfg := Defaults()

	file = strings.TrimSpace(firstNonEmpty(file, os.Getenv("FLEET_CONFIG_FILE")))
	if file != "" {
		if err := cfg.loadFile(file); err != nil {
			return nil, err
		}
		log.Info().Str("file", file).Msg("config file loaded")
	}

	cfg.Transport = strings.ToLower(strings.TrimSpace(getEnv("FLEET_TRANSPORT", cfg.Transport)))
	cfg.ReportSubscription = strings.TrimSpace(getEnv("FLEET_REPORT_SUBSCRIPTION", cfg.ReportSubscription))
	cfg.CredentialsFile = strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("FLEET_GSA_CREDENTIALS"), cfg.CredentialsFile))
	cfg.MQTTBroker = strings.TrimSpace(getEnv("FLEET_MQTT_BROKER", cfg.MQTTBroker))
	cfg.MQTTClientID = strings.TrimSpace(getEnv("FLEET_MQTT_CLIENT_ID", cfg.MQTTClientID))
	cfg.MQTTUsername = getEnv("FLEET_MQTT_USERNAME", cfg.MQTTUsername)
	cfg.MQTTPassword = getEnv("FLEET_MQTT_PASSWORD", cfg.MQTTPassword)
	cfg.EtcdEndpoints = getEnvList("FLEET_ETCD_ENDPOINTS", cfg.EtcdEndpoints)
	cfg.EtcdPrefix = strings.TrimSpace(getEnv("FLEET_ETCD_PREFIX", cfg.EtcdPrefix))
	cfg.EtcdDialTimeout = getEnvDuration("FLEET_ETCD_DIAL_TIMEOUT", cfg.EtcdDialTimeout)
	cfg.MetricsPort = getEnvInt("FLEET_METRICS_PORT", cfg.MetricsPort)
	cfg.LogLevel = strings.TrimSpace(getEnv("FLEET_LOG_LEVEL", cfg.LogLevel))
	cfg.FreshnessWindow = getEnvDuration("FLEET_FRESHNESS_WINDOW", cfg.FreshnessWindow)
	cfg.CameraGracePeriod = getEnvDuration("FLEET_CAMERA_GRACE_PERIOD", cfg.CameraGracePeriod)
	cfg.DiscoveryCacheTTL = getEnvDuration("FLEET_DISCOVERY_CACHE_TTL", cfg.DiscoveryCacheTTL)
	cfg.MessageExpiration = getEnvDuration("FLEET_MESSAGE_EXPIRATION", cfg.MessageExpiration)
	cfg.DispatchConcurrency = getEnvInt("FLEET_DISPATCH_CONCURRENCY", cfg.DispatchConcurrency)
	cfg.PollInterval = getEnvDuration("FLEET_POLL_INTERVAL", cfg.PollInterval)
	cfg.FanOutMaxAttempts = getEnvInt("FLEET_FANOUT_MAX_ATTEMPTS", cfg.FanOutMaxAttempts)
	cfg.SingleMinAttempts = getEnvInt("FLEET_SINGLE_MIN_ATTEMPTS", cfg.SingleMinAttempts)
	cfg.ThroughputFactor = getEnvFloat("FLEET_THROUGHPUT_FACTOR", cfg.ThroughputFactor)
	cfg.ScalingFactor = getEnvFloat("FLEET_SCALING_FACTOR", cfg.ScalingFactor)
	cfg.ResponseTTL = getEnvDuration("FLEET_RESPONSE_TTL", cfg.ResponseTTL)
	cfg.MergeTolerance = getEnvDuration("FLEET_MERGE_TOLERANCE", cfg.MergeTolerance)
	cfg.MaxClipDuration = getEnvDuration("FLEET_MAX_CLIP_DURATION", cfg.MaxClipDuration)

	cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("FLEET_PUBSUB_PROJECT_ID", cfg.GoogleProjectID)))
	if cfg.GoogleProjectID == "" {
		log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or FLEET_PUBSUB_PROJECT_ID")
	}
	if cfg.ReportSubscription == "" {
		log.Warn().Msg("Pub/Sub report subscription not set; set FLEET_REPORT_SUBSCRIPTION")
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports every setting the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.GoogleProjectID == "" {
		errs = append(errs, errors.New("missing Google project id; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or FLEET_PUBSUB_PROJECT_ID"))
	}
	if c.ReportSubscription == "" {
		errs = append(errs, errors.New("missing Pub/Sub report subscription; set FLEET_REPORT_SUBSCRIPTION"))
	}
	switch c.Transport {
	case TransportPubSub:
	case TransportMQTT:
		if c.MQTTBroker == "" {
			errs = append(errs, errors.New("mqtt transport needs FLEET_MQTT_BROKER"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q; want %s or %s", c.Transport, TransportPubSub, TransportMQTT))
	}
	for name, d := range map[string]time.Duration{
		"freshnessWindow":   c.FreshnessWindow,
		"cameraGracePeriod": c.CameraGracePeriod,
		"discoveryCacheTTL": c.DiscoveryCacheTTL,
		"pollInterval":      c.PollInterval,
		"responseTTL":       c.ResponseTTL,
		"maxClipDuration":   c.MaxClipDuration,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.MessageExpiration < 0 {
		errs = append(errs, fmt.Errorf("messageExpiration must not be negative, got %s", c.MessageExpiration))
	}
	if c.DispatchConcurrency <= 0 || c.FanOutMaxAttempts <= 0 || c.SingleMinAttempts <= 0 {
		errs = append(errs, errors.New("dispatchConcurrency, fanOutMaxAttempts and singleMinAttempts must be positive"))
	}
	if c.ThroughputFactor <= 0 || c.ScalingFactor <= 0 {
		errs = append(errs, errors.New("throughputFactor and scalingFactor must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.MetricsPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"transport":           c.Transport,
		"projectID":           c.GoogleProjectID,
		"reportSubscription":  c.ReportSubscription,
		"credentialsProvided": c.CredentialsFile != "",
		"mqttBroker":          c.MQTTBroker,
		"mqttClientID":        c.MQTTClientID,
		"mqttAuthProvided":    c.MQTTPassword != "",
		"etcdEndpoints":       c.EtcdEndpoints,
		"etcdPrefix":          c.EtcdPrefix,
		"metricsPort":         c.MetricsPort,
		"logLevel":            c.LogLevel,
		"freshnessWindow":     c.FreshnessWindow.String(),
		"cameraGracePeriod":   c.CameraGracePeriod.String(),
		"messageExpiration":   c.MessageExpiration.String(),
		"pollInterval":        c.PollInterval.String(),
		"fanOutMaxAttempts":   c.FanOutMaxAttempts,
		"singleMinAttempts":   c.SingleMinAttempts,
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid int in environment; using default")
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		fv, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return fv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid float in environment; using default")
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid duration in environment; using default")
	}
	return def
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	// unparsable files yield an empty id, the caller moves on to the next source
	_ = json.Unmarshal(b, &x)
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	// 1) Prefer GOOGLE_APPLICATION_CREDENTIALS if set
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		log.Info().Str("credsFile", p).Msg("GOOGLE_APPLICATION_CREDENTIALS is set; extracting project_id from credentials file")
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	// 2) Explicit override from env or config file
	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using FLEET_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	// 3) Deployment override
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("using GOOGLE_PROJECT_ID from environment")
		return v
	}

	// 4) Common Google envs
	if v := firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT")); strings.TrimSpace(v) != "" {
		v = strings.TrimSpace(v)
		log.Info().Str("projectID", v).Msg("using Google project from common environment variables")
		return v
	}

	// 5) Fallback to provided credentials file path (FLEET_GSA_CREDENTIALS)
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
