package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "apfedcore"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

// AppConfig is the process-wide configuration, populated by ReadConf from
// an embedded default overlaid with config.yaml (if present) and then
// environment variables, in that order.
type AppConfig struct {
	Conf struct {
		Host            string
		HttpPort        int    `yaml:"httpPort"`
		SslDomain       string `yaml:"sslDomain"`
		WithAp          bool   `yaml:"withAp"`
		Single          bool   `yaml:"single"`
		Closed          bool   `yaml:"closed"`
		NodeDescription string `yaml:"nodeDescription"`
		WithJournald    bool   `yaml:"withJournald"`
		WithPprof       bool   `yaml:"withPprof"`

		// DBPath is the sqlite file backing every repository.
		DBPath string `yaml:"dbPath"`

		// DeliveryWorkers is the number of concurrent delivery workers.
		DeliveryWorkers int `yaml:"deliveryWorkers"`
		// DeliveryBatchSize bounds how many queue rows one lease call claims.
		DeliveryBatchSize int `yaml:"deliveryBatchSize"`
		// DeliveryPerHostLimit caps simultaneous in-flight deliveries to one host.
		DeliveryPerHostLimit int `yaml:"deliveryPerHostLimit"`
		// ReaperIntervalMinutes is how often completed delivery rows are swept.
		ReaperIntervalMinutes int `yaml:"reaperIntervalMinutes"`
		// ReapDeliveredAfterHours is the age, in hours, after which Delivered
		// rows are deleted by the reaper.
		ReapDeliveredAfterHours int `yaml:"reapDeliveredAfterHours"`
		// ReapDeadAfterHours is the age, in hours, after which Dead rows are
		// deleted by the reaper. Dead rows are kept longer than Delivered
		// ones since they're the evidence an operator needs to diagnose a
		// persistently unreachable host.
		ReapDeadAfterHours int `yaml:"reapDeadAfterHours"`

		// SignatureClockSkewSeconds bounds how far a signed Date header may
		// drift from wall-clock time before VerifyRequest rejects it stale.
		SignatureClockSkewSeconds int `yaml:"signatureClockSkewSeconds"`
		// ActorCacheTTLMinutes is how long a fetched remote actor document
		// is trusted before it is re-fetched.
		ActorCacheTTLMinutes int `yaml:"actorCacheTTLMinutes"`

		// HTTPClientTimeoutSeconds bounds outbound federation HTTP calls
		// (actor fetch, delivery POST).
		HTTPClientTimeoutSeconds int `yaml:"httpClientTimeoutSeconds"`
		// MaxInboxBodyBytes bounds how much of an inbox POST body is read.
		MaxInboxBodyBytes int64 `yaml:"maxInboxBodyBytes"`

		// CollectionPageSize is the default page size for OrderedCollectionPage.
		CollectionPageSize int `yaml:"collectionPageSize"`
		// MaxCollectionPageSize is the largest page size a client may request.
		MaxCollectionPageSize int `yaml:"maxCollectionPageSize"`

		// InboxRateLimitPerMinute caps POSTs accepted per remote host.
		InboxRateLimitPerMinute int `yaml:"inboxRateLimitPerMinute"`
	}
}

func (c *AppConfig) HTTPClientTimeout() time.Duration {
	return time.Duration(c.Conf.HTTPClientTimeoutSeconds) * time.Second
}

func (c *AppConfig) ActorCacheTTL() time.Duration {
	return time.Duration(c.Conf.ActorCacheTTLMinutes) * time.Minute
}

func (c *AppConfig) SignatureClockSkew() time.Duration {
	return time.Duration(c.Conf.SignatureClockSkewSeconds) * time.Second
}

func (c *AppConfig) ReaperInterval() time.Duration {
	return time.Duration(c.Conf.ReaperIntervalMinutes) * time.Minute
}

func (c *AppConfig) ReapDeliveredAfter() time.Duration {
	return time.Duration(c.Conf.ReapDeliveredAfterHours) * time.Hour
}

func (c *AppConfig) ReapDeadAfter() time.Duration {
	return time.Duration(c.Conf.ReapDeadAfterHours) * time.Hour
}

// ReadConf loads the embedded default config, overlays config.yaml from
// the working directory if present, then applies environment overrides,
// in that order of precedence.
func ReadConf() (*AppConfig, error) {
	c := &AppConfig{}

	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if fileBuf, err := os.ReadFile(ConfigFileName); err == nil {
		// Keys absent from config.yaml keep their embedded values.
		if err := yaml.Unmarshal(fileBuf, c); err != nil {
			return nil, fmt.Errorf("in config file: %w", err)
		}
	} else {
		log.Printf("config: %s not found, using embedded defaults", ConfigFileName)
	}

	applyEnvOverrides(c)
	applyDefaults(c)

	return c, nil
}

func applyEnvOverrides(c *AppConfig) {
	if v := os.Getenv("APFEDCORE_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("APFEDCORE_HTTPPORT"); v != "" {
		c.Conf.HttpPort = getEnvInt("APFEDCORE_HTTPPORT", c.Conf.HttpPort)
	}
	if v := os.Getenv("APFEDCORE_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("APFEDCORE_DB_PATH"); v != "" {
		c.Conf.DBPath = v
	}
	if v := os.Getenv("APFEDCORE_NODE_DESCRIPTION"); v != "" {
		c.Conf.NodeDescription = v
	}
	c.Conf.WithAp = getEnvBool("APFEDCORE_WITH_AP", c.Conf.WithAp)
	c.Conf.Single = getEnvBool("APFEDCORE_SINGLE", c.Conf.Single)
	c.Conf.Closed = getEnvBool("APFEDCORE_CLOSED", c.Conf.Closed)
	c.Conf.WithJournald = getEnvBool("APFEDCORE_WITH_JOURNALD", c.Conf.WithJournald)
	c.Conf.WithPprof = getEnvBool("APFEDCORE_WITH_PPROF", c.Conf.WithPprof)

	c.Conf.DeliveryWorkers = getEnvInt("APFEDCORE_DELIVERY_WORKERS", c.Conf.DeliveryWorkers)
	c.Conf.DeliveryBatchSize = getEnvInt("APFEDCORE_DELIVERY_BATCH_SIZE", c.Conf.DeliveryBatchSize)
	c.Conf.DeliveryPerHostLimit = getEnvInt("APFEDCORE_DELIVERY_PER_HOST_LIMIT", c.Conf.DeliveryPerHostLimit)
	c.Conf.ReaperIntervalMinutes = getEnvInt("APFEDCORE_REAPER_INTERVAL_MINUTES", c.Conf.ReaperIntervalMinutes)
	c.Conf.ReapDeliveredAfterHours = getEnvInt("APFEDCORE_REAP_DELIVERED_AFTER_HOURS", c.Conf.ReapDeliveredAfterHours)
	c.Conf.ReapDeadAfterHours = getEnvInt("APFEDCORE_REAP_DEAD_AFTER_HOURS", c.Conf.ReapDeadAfterHours)
	c.Conf.SignatureClockSkewSeconds = getEnvInt("APFEDCORE_SIGNATURE_CLOCK_SKEW_SECONDS", c.Conf.SignatureClockSkewSeconds)
	c.Conf.ActorCacheTTLMinutes = getEnvInt("APFEDCORE_ACTOR_CACHE_TTL_MINUTES", c.Conf.ActorCacheTTLMinutes)
	c.Conf.HTTPClientTimeoutSeconds = getEnvInt("APFEDCORE_HTTP_CLIENT_TIMEOUT_SECONDS", c.Conf.HTTPClientTimeoutSeconds)
	c.Conf.CollectionPageSize = getEnvInt("APFEDCORE_COLLECTION_PAGE_SIZE", c.Conf.CollectionPageSize)
	c.Conf.MaxCollectionPageSize = getEnvInt("APFEDCORE_MAX_COLLECTION_PAGE_SIZE", c.Conf.MaxCollectionPageSize)
	c.Conf.InboxRateLimitPerMinute = getEnvInt("APFEDCORE_INBOX_RATE_LIMIT_PER_MINUTE", c.Conf.InboxRateLimitPerMinute)

	if v := os.Getenv("APFEDCORE_MAX_INBOX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.Printf("config: bad APFEDCORE_MAX_INBOX_BODY_BYTES %q: %v", v, err)
		} else {
			c.Conf.MaxInboxBodyBytes = n
		}
	}
}

// applyDefaults fills in zero-valued knobs the embedded config or caller
// didn't set, so a bare AppConfig{} is still usable in tests.
func applyDefaults(c *AppConfig) {
	if c.Conf.DBPath == "" {
		c.Conf.DBPath = "apfedcore.db"
	}
	if c.Conf.DeliveryWorkers == 0 {
		c.Conf.DeliveryWorkers = 8
	}
	if c.Conf.DeliveryBatchSize == 0 {
		c.Conf.DeliveryBatchSize = 50
	}
	if c.Conf.DeliveryPerHostLimit == 0 {
		c.Conf.DeliveryPerHostLimit = 2
	}
	if c.Conf.ReaperIntervalMinutes == 0 {
		c.Conf.ReaperIntervalMinutes = 60
	}
	if c.Conf.ReapDeliveredAfterHours == 0 {
		c.Conf.ReapDeliveredAfterHours = 24
	}
	if c.Conf.ReapDeadAfterHours == 0 {
		c.Conf.ReapDeadAfterHours = 24 * 7
	}
	if c.Conf.SignatureClockSkewSeconds == 0 {
		c.Conf.SignatureClockSkewSeconds = 300
	}
	if c.Conf.ActorCacheTTLMinutes == 0 {
		c.Conf.ActorCacheTTLMinutes = 60
	}
	if c.Conf.HTTPClientTimeoutSeconds == 0 {
		c.Conf.HTTPClientTimeoutSeconds = 10
	}
	if c.Conf.MaxInboxBodyBytes == 0 {
		c.Conf.MaxInboxBodyBytes = 1 << 20
	}
	if c.Conf.CollectionPageSize == 0 {
		c.Conf.CollectionPageSize = 20
	}
	if c.Conf.MaxCollectionPageSize == 0 {
		c.Conf.MaxCollectionPageSize = 50
	}
	if c.Conf.InboxRateLimitPerMinute == 0 {
		c.Conf.InboxRateLimitPerMinute = 120
	}
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("config: bad %s %q: %v", key, v, err)
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("config: bad %s %q: %v", key, v, err)
		return fallback
	}
	return n
}
