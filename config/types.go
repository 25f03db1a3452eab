package config

import "time"

const (
	ConfigFileEnvVar    = "FABRICSYNC_CONFIG"
	WorkDirEnvVar       = "FABRICSYNC_WORK_DIR"
	LogLevelEnvVar      = "FABRICSYNC_LOG_LEVEL"
	ServerAddressEnvVar = "FABRICSYNC_SERVER_ADDRESS"

	DefaultConfigPath = "~/.fabricsync/config.yaml"
	DefaultWorkDir    = "~/.fabricsync/work"

	RawDispositionArchive = "archive"
	RawDispositionDelete  = "delete"

	DirectionBidirectional = "bidirectional"
	DirectionGitToFabric   = "git_to_fabric"
	DirectionFabricToGit   = "fabric_to_git"

	DriftPolicyManual     = "manual"
	DriftPolicyGitWins    = "git_wins"
	DriftPolicyFabricWins = "fabric_wins"
)

const (
	DefaultTick           = 10 * time.Second
	DefaultWorkers        = 4
	DefaultQueueSize      = 64
	DefaultRunTimeout     = 10 * time.Minute
	DefaultConcurrency    = 4
	DefaultLeaseGrace     = time.Minute
	DefaultSyncInterval   = 5 * time.Minute
	DefaultServerAddress  = ":8080"
	DefaultLogLevel       = "info"
	DefaultGitBranch      = "main"
	DefaultFabricQPS      = 20
	DefaultFabricBurst    = 40
	DefaultStoreFileName  = "state.db"
	DefaultRawDisposition = RawDispositionArchive
)

type Config struct {
	WorkDir    string           `yaml:"work-dir,omitempty"`
	Store      StoreConfig      `yaml:"store,omitempty"`
	Scheduler  SchedulerConfig  `yaml:"scheduler,omitempty"`
	Reconciler ReconcilerConfig `yaml:"reconciler,omitempty"`
	Server     ServerConfig     `yaml:"server,omitempty"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
	Tracing    TracingConfig    `yaml:"tracing,omitempty"`
	Fabrics    []Fabric         `yaml:"fabrics"`
}

type StoreConfig struct {
	SQLite *SQLiteStore `yaml:"sqlite,omitempty"`
}

type SQLiteStore struct {
	Path string `yaml:"path"`
}

type SchedulerConfig struct {
	Tick      time.Duration `yaml:"tick,omitempty"`
	Workers   int           `yaml:"workers,omitempty"`
	QueueSize int           `yaml:"queue-size,omitempty"`
}

type ReconcilerConfig struct {
	RunTimeout  time.Duration `yaml:"run-timeout,omitempty"`
	Concurrency int           `yaml:"concurrency,omitempty"`
	LeaseGrace  time.Duration `yaml:"lease-grace,omitempty"`
}

// LeaseTTL is how long a run may hold a fabric before the lease is
// considered stale.
func (r ReconcilerConfig) LeaseTTL() time.Duration {
	return r.RunTimeout + r.LeaseGrace
}

type ServerConfig struct {
	Address string `yaml:"address,omitempty"`
}

type LoggingConfig struct {
	Level       string `yaml:"level,omitempty"`
	Development bool   `yaml:"development,omitempty"`
}

type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlp-endpoint,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty"`
	TLS          *TLS   `yaml:"tls,omitempty"`
}

type TLS struct {
	CACertFile         string `yaml:"ca-cert-file,omitempty"`
	ClientCertFile     string `yaml:"client-cert-file,omitempty"`
	ClientKeyFile      string `yaml:"client-key-file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure-skip-verify,omitempty"`
}

type Fabric struct {
	ID           string        `yaml:"id"`
	Enabled      *bool         `yaml:"enabled,omitempty"`
	SyncInterval time.Duration `yaml:"sync-interval,omitempty"`
	Direction    string        `yaml:"direction,omitempty"`
	DriftPolicy  string        `yaml:"drift-policy,omitempty"`
	Git          GitSource     `yaml:"git"`
	API          FabricAPI     `yaml:"fabric"`
}

func (f Fabric) IsEnabled() bool {
	if f.Enabled == nil {
		return true
	}
	return *f.Enabled
}

type GitSource struct {
	URL            string   `yaml:"url"`
	Branch         string   `yaml:"branch,omitempty"`
	BasePath       string   `yaml:"base-path,omitempty"`
	RawDisposition string   `yaml:"raw-disposition,omitempty"`
	Auth           *GitAuth `yaml:"auth,omitempty"`
	TLS            *TLS     `yaml:"tls,omitempty"`
}

type GitAuth struct {
	BasicAuth *BasicAuth     `yaml:"basic-auth,omitempty"`
	SSH       *SSHAuth       `yaml:"ssh,omitempty"`
	AccessKey *AccessKeyAuth `yaml:"access-key,omitempty"`
}

type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type SSHAuth struct {
	User                  string `yaml:"user"`
	PrivateKeyFile        string `yaml:"private-key-file"`
	Passphrase            string `yaml:"passphrase,omitempty"`
	KnownHostsFile        string `yaml:"known-hosts-file,omitempty"`
	InsecureIgnoreHostKey bool   `yaml:"insecure-ignore-host-key,omitempty"`
}

type AccessKeyAuth struct {
	Token string `yaml:"token"`
}

// FabricAPI locates the fabric control plane. Either Kubeconfig (with an
// optional Context) or Host must be set.
type FabricAPI struct {
	Kubeconfig   string  `yaml:"kubeconfig,omitempty"`
	Context      string  `yaml:"context,omitempty"`
	Host         string  `yaml:"host,omitempty"`
	BearerToken  string  `yaml:"bearer-token,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty"`
	QPS          float64 `yaml:"qps,omitempty"`
	Burst        int     `yaml:"burst,omitempty"`
	IgnoreFilter string  `yaml:"ignore-filter,omitempty"`
	TLS          *TLS    `yaml:"tls,omitempty"`
}

// Endpoint is the human-readable fabric API location recorded on the
// fabric row.
func (a FabricAPI) Endpoint() string {
	switch {
	case a.Host != "":
		return a.Host
	case a.Context != "":
		return a.Kubeconfig + "#" + a.Context
	default:
		return a.Kubeconfig
	}
}

// FindFabric returns the fabric definition with id.
func (c Config) FindFabric(id string) (Fabric, bool) {
	for _, fabric := range c.Fabrics {
		if fabric.ID == id {
			return fabric, true
		}
	}
	return Fabric{}, false
}
