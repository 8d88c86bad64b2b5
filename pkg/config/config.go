// Package config loads the control plane configuration from NP_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/apolo-us/platform-disk-api/pkg/kube"
)

// ServerConfig holds the HTTP(S) bind settings shared by the REST API and the
// admission webhook.
type ServerConfig struct {
	Host        string
	Port        int
	TLSCertPath string
	TLSKeyPath  string
}

// Addr returns the host:port bind address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DiskConfig holds disk provisioning settings.
type DiskConfig struct {
	StorageClassName       string
	StorageLimitPerProject int64 // bytes
}

// EventsConfig holds the platform event bus endpoint. Nil when the bus is not
// configured.
type EventsConfig struct {
	URL   string
	Token string
}

// AdmissionConfig holds admission webhook settings.
type AdmissionConfig struct {
	MutatePods bool
}

// Config is the full configuration of one control plane process.
type Config struct {
	ClusterName string
	Server      ServerConfig
	Kube        kube.Config
	Disk        DiskConfig
	Admission   AdmissionConfig

	CORSOrigins []string
	Events      *EventsConfig
}

// Factory reads configuration from an environment map. A nil map reads the
// process environment.
type Factory struct {
	environ map[string]string
}

// NewFactory creates a factory over the given environment. Pass nil to use
// os.Environ.
func NewFactory(environ map[string]string) *Factory {
	if environ == nil {
		environ = map[string]string{}
		for _, kv := range os.Environ() {
			if key, value, ok := strings.Cut(kv, "="); ok {
				environ[key] = value
			}
		}
	}
	return &Factory{environ: environ}
}

// Create builds the full API process configuration.
func (f *Factory) Create() (*Config, error) {
	clusterName, err := f.required("NP_CLUSTER_NAME")
	if err != nil {
		return nil, err
	}
	kubeConfig, err := f.createKube()
	if err != nil {
		return nil, err
	}
	diskConfig, err := f.createDisk()
	if err != nil {
		return nil, err
	}
	mutatePods, err := f.getBool("NP_DISK_API_ADMISSION_MUTATE_PODS", true)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ClusterName: clusterName,
		Server:      f.createServer(),
		Kube:        kubeConfig,
		Disk:        diskConfig,
		Admission:   AdmissionConfig{MutatePods: mutatePods},
		CORSOrigins: f.createCORSOrigins(),
		Events:      f.createEvents(),
	}
	return cfg, nil
}

// CreateWatcher builds the usage watcher process configuration.
func (f *Factory) CreateWatcher() (*Config, error) {
	kubeConfig, err := f.createKube()
	if err != nil {
		return nil, err
	}
	return &Config{Server: f.createServer(), Kube: kubeConfig}, nil
}

// CreateMigration builds the namespace migration job configuration.
func (f *Factory) CreateMigration() (*Config, error) {
	kubeConfig, err := f.createKube()
	if err != nil {
		return nil, err
	}
	return &Config{Kube: kubeConfig}, nil
}

func (f *Factory) createServer() ServerConfig {
	return ServerConfig{
		Host:        f.get("NP_DISK_API_HOST", "0.0.0.0"),
		Port:        f.getIntDefault("NP_DISK_API_PORT", 8080),
		TLSCertPath: f.get("NP_DISK_API_TLS_CERT_PATH", ""),
		TLSKeyPath:  f.get("NP_DISK_API_TLS_KEY_PATH", ""),
	}
}

func (f *Factory) createKube() (kube.Config, error) {
	endpointURL, err := f.required("NP_DISK_API_K8S_API_URL")
	if err != nil {
		return kube.Config{}, err
	}
	authType, err := parseAuthType(f.get("NP_DISK_API_K8S_AUTH_TYPE", string(kube.AuthTypeNone)))
	if err != nil {
		return kube.Config{}, err
	}
	return kube.Config{
		EndpointURL:    endpointURL,
		AuthType:       authType,
		CAPath:         f.get("NP_DISK_API_K8S_CA_PATH", ""),
		TokenPath:      f.get("NP_DISK_API_K8S_TOKEN_PATH", ""),
		ClientCertPath: f.get("NP_DISK_API_K8S_AUTH_CERT_PATH", ""),
		ClientKeyPath:  f.get("NP_DISK_API_K8S_AUTH_CERT_KEY_PATH", ""),
		Namespace:      f.get("NP_DISK_API_K8S_NS", "default"),
		ConnTimeout:    time.Duration(f.getIntDefault("NP_DISK_API_K8S_CLIENT_CONN_TIMEOUT", 300)) * time.Second,
		ReadTimeout:    time.Duration(f.getIntDefault("NP_DISK_API_K8S_CLIENT_READ_TIMEOUT", 100)) * time.Second,
		WatchTimeout:   time.Duration(f.getIntDefault("NP_DISK_API_K8S_CLIENT_WATCH_TIMEOUT", 1800)) * time.Second,
	}, nil
}

func (f *Factory) createDisk() (DiskConfig, error) {
	rawLimit, err := f.required("NP_DISK_API_STORAGE_LIMIT_PER_PROJECT")
	if err != nil {
		return DiskConfig{}, err
	}
	limit, err := strconv.ParseInt(rawLimit, 10, 64)
	if err != nil {
		return DiskConfig{}, fmt.Errorf("invalid NP_DISK_API_STORAGE_LIMIT_PER_PROJECT %q: %w", rawLimit, err)
	}
	return DiskConfig{
		StorageClassName:       f.get("NP_DISK_API_K8S_STORAGE_CLASS", ""),
		StorageLimitPerProject: limit,
	}, nil
}

func (f *Factory) createCORSOrigins() []string {
	raw := strings.TrimSpace(f.get("NP_CORS_ORIGINS", ""))
	if raw == "" {
		return nil
	}
	origins := strings.Split(raw, ",")
	for i, origin := range origins {
		origins[i] = strings.TrimSpace(origin)
	}
	return origins
}

func (f *Factory) createEvents() *EventsConfig {
	url, ok := f.environ["NP_REGISTRY_EVENTS_URL"]
	if !ok || url == "" {
		return nil
	}
	return &EventsConfig{
		URL:   url,
		Token: f.get("NP_REGISTRY_EVENTS_TOKEN", ""),
	}
}

func parseAuthType(raw string) (kube.AuthType, error) {
	switch kube.AuthType(raw) {
	case kube.AuthTypeNone, kube.AuthTypeToken, kube.AuthTypeCertKey:
		return kube.AuthType(raw), nil
	default:
		return "", fmt.Errorf("unknown kube auth type %q", raw)
	}
}

func (f *Factory) get(key, fallback string) string {
	if value, ok := f.environ[key]; ok && value != "" {
		return value
	}
	return fallback
}

func (f *Factory) required(key string) (string, error) {
	value, ok := f.environ[key]
	if !ok || value == "" {
		return "", fmt.Errorf("%s environment variable is required", key)
	}
	return value, nil
}

func (f *Factory) getIntDefault(key string, fallback int) int {
	raw, ok := f.environ[key]
	if !ok || raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func (f *Factory) getBool(key string, fallback bool) (bool, error) {
	raw, ok := f.environ[key]
	if !ok || raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return value, nil
}
