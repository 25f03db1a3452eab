package file

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/crmarques/fabricsync/config"
	"github.com/itchyny/gojq"
	"k8s.io/apimachinery/pkg/util/validation"
)

const minSyncInterval = time.Second

func applyDefaults(cfg config.Config) config.Config {
	if cfg.WorkDir == "" {
		cfg.WorkDir = config.DefaultWorkDir
	}
	if cfg.Scheduler.Tick == 0 {
		cfg.Scheduler.Tick = config.DefaultTick
	}
	if cfg.Scheduler.Workers == 0 {
		cfg.Scheduler.Workers = config.DefaultWorkers
	}
	if cfg.Scheduler.QueueSize == 0 {
		cfg.Scheduler.QueueSize = config.DefaultQueueSize
	}
	if cfg.Reconciler.RunTimeout == 0 {
		cfg.Reconciler.RunTimeout = config.DefaultRunTimeout
	}
	if cfg.Reconciler.Concurrency == 0 {
		cfg.Reconciler.Concurrency = config.DefaultConcurrency
	}
	if cfg.Reconciler.LeaseGrace == 0 {
		cfg.Reconciler.LeaseGrace = config.DefaultLeaseGrace
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = config.DefaultServerAddress
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = config.DefaultLogLevel
	}

	fabrics := make([]config.Fabric, len(cfg.Fabrics))
	for idx, fabric := range cfg.Fabrics {
		fabric.ID = strings.TrimSpace(fabric.ID)
		if fabric.SyncInterval == 0 {
			fabric.SyncInterval = config.DefaultSyncInterval
		}
		if fabric.Direction == "" {
			fabric.Direction = config.DirectionBidirectional
		}
		if fabric.DriftPolicy == "" {
			fabric.DriftPolicy = config.DriftPolicyManual
		}
		if fabric.Git.Branch == "" {
			fabric.Git.Branch = config.DefaultGitBranch
		}
		fabric.Git.BasePath = strings.Trim(filepath.ToSlash(fabric.Git.BasePath), "/")
		if fabric.Git.RawDisposition == "" {
			fabric.Git.RawDisposition = config.DefaultRawDisposition
		}
		if fabric.API.QPS == 0 {
			fabric.API.QPS = config.DefaultFabricQPS
		}
		if fabric.API.Burst == 0 {
			fabric.API.Burst = config.DefaultFabricBurst
		}
		fabrics[idx] = fabric
	}
	cfg.Fabrics = fabrics
	return cfg
}

func validateConfig(cfg config.Config) error {
	if cfg.Scheduler.Workers < 1 {
		return validationError("scheduler.workers must be at least 1", nil)
	}
	if cfg.Scheduler.QueueSize < 1 {
		return validationError("scheduler.queue-size must be at least 1", nil)
	}
	if cfg.Scheduler.Tick <= 0 {
		return validationError("scheduler.tick must be positive", nil)
	}
	if cfg.Reconciler.RunTimeout <= 0 {
		return validationError("reconciler.run-timeout must be positive", nil)
	}
	if cfg.Reconciler.Concurrency < 1 {
		return validationError("reconciler.concurrency must be at least 1", nil)
	}
	if cfg.Reconciler.LeaseGrace < 0 {
		return validationError("reconciler.lease-grace must not be negative", nil)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return validationError(fmt.Sprintf("logging.level %q must be one of debug, info, warn, error", cfg.Logging.Level), nil)
	}
	if cfg.Tracing.Insecure && cfg.Tracing.TLS != nil {
		return validationError("tracing.insecure and tracing.tls are mutually exclusive", nil)
	}
	if cfg.Store.SQLite != nil && strings.TrimSpace(cfg.Store.SQLite.Path) == "" {
		return validationError("store.sqlite.path must not be empty", nil)
	}

	seen := map[string]struct{}{}
	for _, fabric := range cfg.Fabrics {
		if _, exists := seen[fabric.ID]; exists {
			return validationError(fmt.Sprintf("duplicate fabric id %q", fabric.ID), nil)
		}
		seen[fabric.ID] = struct{}{}

		if err := validateFabric(fabric); err != nil {
			return err
		}
		if cfg.Scheduler.Tick >= fabric.SyncInterval {
			return validationError(
				fmt.Sprintf("scheduler.tick %s must be shorter than fabric %q sync-interval %s", cfg.Scheduler.Tick, fabric.ID, fabric.SyncInterval),
				nil,
			)
		}
	}

	return nil
}

func validateFabric(fabric config.Fabric) error {
	if fabric.ID == "" {
		return validationError("fabric id must not be empty", nil)
	}
	if errs := validation.IsDNS1123Label(fabric.ID); len(errs) > 0 {
		return validationError(fmt.Sprintf("fabric id %q is invalid: %s", fabric.ID, strings.Join(errs, "; ")), nil)
	}
	prefix := "fabrics[" + fabric.ID + "]"

	if fabric.SyncInterval < minSyncInterval {
		return validationError(fmt.Sprintf("%s.sync-interval must be at least %s", prefix, minSyncInterval), nil)
	}
	switch fabric.Direction {
	case config.DirectionBidirectional, config.DirectionGitToFabric, config.DirectionFabricToGit:
	default:
		return validationError(fmt.Sprintf("%s.direction %q is invalid", prefix, fabric.Direction), nil)
	}
	switch fabric.DriftPolicy {
	case config.DriftPolicyManual, config.DriftPolicyGitWins, config.DriftPolicyFabricWins:
	default:
		return validationError(fmt.Sprintf("%s.drift-policy %q is invalid", prefix, fabric.DriftPolicy), nil)
	}

	if err := validateGit(prefix+".git", fabric.Git); err != nil {
		return err
	}
	return validateFabricAPI(prefix+".fabric", fabric.API)
}

func validateGit(prefix string, git config.GitSource) error {
	if strings.TrimSpace(git.URL) == "" {
		return validationError(prefix+".url is required", nil)
	}
	for _, segment := range strings.Split(git.BasePath, "/") {
		if segment == ".." {
			return validationError(prefix+".base-path must not contain '..'", nil)
		}
	}
	switch git.RawDisposition {
	case config.RawDispositionArchive, config.RawDispositionDelete:
	default:
		return validationError(fmt.Sprintf("%s.raw-disposition %q must be archive or delete", prefix, git.RawDisposition), nil)
	}

	if git.TLS != nil && (git.TLS.ClientCertFile != "" || git.TLS.ClientKeyFile != "") {
		return validationError(prefix+".tls client certificates are not supported for git remotes", nil)
	}

	if git.Auth == nil {
		return nil
	}
	if countSet(git.Auth.BasicAuth != nil, git.Auth.SSH != nil, git.Auth.AccessKey != nil) != 1 {
		return validationError(prefix+".auth must define exactly one of basic-auth, ssh, access-key", nil)
	}
	if git.Auth.SSH != nil {
		if git.Auth.SSH.PrivateKeyFile == "" {
			return validationError(prefix+".auth.ssh.private-key-file is required", nil)
		}
		if git.Auth.SSH.KnownHostsFile != "" && git.Auth.SSH.InsecureIgnoreHostKey {
			return validationError(prefix+".auth.ssh known-hosts-file and insecure-ignore-host-key are mutually exclusive", nil)
		}
	}
	return nil
}

func validateFabricAPI(prefix string, api config.FabricAPI) error {
	if countSet(api.Kubeconfig != "", api.Host != "") != 1 {
		return validationError(prefix+" must define exactly one of kubeconfig, host", nil)
	}
	if api.Context != "" && api.Kubeconfig == "" {
		return validationError(prefix+".context requires kubeconfig", nil)
	}
	if api.QPS < 0 || api.Burst < 0 {
		return validationError(prefix+".qps and burst must not be negative", nil)
	}
	if api.IgnoreFilter != "" {
		if _, err := gojq.Parse(api.IgnoreFilter); err != nil {
			return validationError(prefix+".ignore-filter is not a valid jq expression", err)
		}
	}
	return nil
}

func countSet(values ...bool) int {
	count := 0
	for _, value := range values {
		if value {
			count++
		}
	}
	return count
}
