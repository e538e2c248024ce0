package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreMemory = "memory"
	StoreS3     = "s3"
)

type Config struct {
	ListenAddr           string
	OriginURL            string
	Version              string
	ManifestPath         string
	Store                string
	S3Endpoint           string
	S3Region             string
	S3Bucket             string
	S3AccessKey          string
	S3SecretKey          string
	RedisAddr            string
	RedisDB              int
	RedisPassword        string
	LRUEntries           int
	Retention            time.Duration
	PartitionBudgetBytes int64
	MaintenanceInterval  time.Duration
	MaintenanceLockTTL   time.Duration
	FetchTimeout         time.Duration
	RefreshWorkers       int
	RefreshQueue         int
	BacklogLimit         int
	SkipWaiting          bool
	CoalesceFetches      bool
	Debug                bool
}

// Manifest lists what install precaches.
type Manifest struct {
	Critical []string `yaml:"critical"`
	Images   []string `yaml:"images"`
	External []string `yaml:"external"`
}

// ExternalHosts lists the hosts of the absolute external assets.
func (m Manifest) ExternalHosts() []string {
	var hosts []string
	seen := make(map[string]bool)
	for _, ref := range m.External {
		u, err := url.Parse(ref)
		if err != nil || u.Host == "" || seen[u.Host] {
			continue
		}
		seen[u.Host] = true
		hosts = append(hosts, u.Host)
	}
	return hosts
}

// DefaultManifest is used when no manifest file is configured.
func DefaultManifest() Manifest {
	return Manifest{
		Critical: []string{
			"/",
			"/offline.html",
			"/css/style.css",
			"/js/main.js",
			"/manifest.json",
		},
		Images: []string{
			"/images/logo.svg",
			"/images/hero.webp",
			"/images/icons/icon-192.png",
			"/images/icons/icon-512.png",
		},
		External: []string{
			"https://fonts.googleapis.com/css2?family=Nunito:wght@400;600;700&display=swap",
		},
	}
}

func Load() (Config, error) {
	cfg := Config{
		ListenAddr:           getenv("NAGI_LISTEN_ADDR", ":8080"),
		OriginURL:            getenv("NAGI_ORIGIN_URL", ""),
		Version:              getenv("NAGI_VERSION", ""),
		ManifestPath:         os.Getenv("NAGI_MANIFEST"),
		Store:                strings.ToLower(getenv("NAGI_STORE", StoreMemory)),
		S3Endpoint:           getenv("NAGI_S3_ENDPOINT", ""),
		S3Region:             getenv("NAGI_S3_REGION", "us-east-1"),
		S3Bucket:             getenv("NAGI_S3_BUCKET", ""),
		S3AccessKey:          os.Getenv("NAGI_S3_ACCESS_KEY"),
		S3SecretKey:          os.Getenv("NAGI_S3_SECRET_KEY"),
		RedisAddr:            os.Getenv("NAGI_REDIS_ADDR"),
		RedisDB:              getenvInt("NAGI_REDIS_DB", 0),
		RedisPassword:        os.Getenv("NAGI_REDIS_PASSWORD"),
		LRUEntries:           getenvInt("NAGI_LRU_ENTRIES", 512),
		Retention:            getenvDuration("NAGI_RETENTION", 7*24*time.Hour),
		PartitionBudgetBytes: int64(getenvInt("NAGI_PARTITION_BUDGET_BYTES", 50<<20)),
		MaintenanceInterval:  getenvDuration("NAGI_MAINTENANCE_INTERVAL", time.Hour),
		MaintenanceLockTTL:   getenvDuration("NAGI_MAINTENANCE_LOCK_TTL", 5*time.Minute),
		FetchTimeout:         getenvDuration("NAGI_FETCH_TIMEOUT", 10*time.Second),
		RefreshWorkers:       getenvInt("NAGI_REFRESH_WORKERS", 4),
		RefreshQueue:         getenvInt("NAGI_REFRESH_QUEUE", 256),
		BacklogLimit:         getenvInt("NAGI_BACKLOG_LIMIT", 100),
		SkipWaiting:          getenvBool("NAGI_SKIP_WAITING", true),
		CoalesceFetches:      getenvBool("NAGI_COALESCE_FETCHES", false),
		Debug:                getenvBool("NAGI_DEBUG", false),
	}

	if cfg.OriginURL == "" {
		return cfg, errors.New("NAGI_ORIGIN_URL is required")
	}
	if cfg.Version == "" {
		return cfg, errors.New("NAGI_VERSION is required")
	}
	if strings.ContainsAny(cfg.Version, "/ ") {
		return cfg, fmt.Errorf("NAGI_VERSION %q must not contain '/' or spaces", cfg.Version)
	}
	switch cfg.Store {
	case StoreMemory:
	case StoreS3:
		if cfg.S3Endpoint == "" || cfg.S3Bucket == "" || cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
			return cfg, errors.New("S3 endpoint/bucket/access/secret are required")
		}
	default:
		return cfg, fmt.Errorf("NAGI_STORE %q is not one of memory, s3", cfg.Store)
	}
	return cfg, nil
}

// LoadManifest reads the precache manifest at path, or returns the default
// manifest when path is empty.
func LoadManifest(path string) (Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
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

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
