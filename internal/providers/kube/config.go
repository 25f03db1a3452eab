package kube

import (
	"github.com/crmarques/fabricsync/config"
	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/providers/shared/tlsconfig"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/flowcontrol"
)

const userAgent = "fabricsync"

// RestConfig builds the client configuration for a fabric API. Throttling
// is left to the Client limiter.
func RestConfig(api config.FabricAPI) (*rest.Config, error) {
	var restConfig *rest.Config

	switch {
	case api.Host != "":
		restConfig = &rest.Config{
			Host:        api.Host,
			BearerToken: api.BearerToken,
			TLSClientConfig: rest.TLSClientConfig{
				Insecure: api.Insecure,
			},
		}
	case api.Kubeconfig != "":
		loadingRules := &clientcmd.ClientConfigLoadingRules{ExplicitPath: api.Kubeconfig}
		overrides := &clientcmd.ConfigOverrides{CurrentContext: api.Context}
		loaded, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
		if err != nil {
			return nil, faults.Validation("failed to load fabric kubeconfig", err)
		}
		if api.Insecure {
			loaded.TLSClientConfig.Insecure = true
			loaded.TLSClientConfig.CAData = nil
			loaded.TLSClientConfig.CAFile = ""
		}
		restConfig = loaded
	default:
		return nil, faults.Validation("fabric api requires kubeconfig or host", nil)
	}

	if err := applyTLS(restConfig, api.TLS); err != nil {
		return nil, err
	}

	restConfig.UserAgent = userAgent
	restConfig.RateLimiter = flowcontrol.NewFakeAlwaysRateLimiter()
	return restConfig, nil
}

// applyTLS overlays an explicit tls block on top of whatever the
// kubeconfig or host settings provided.
func applyTLS(restConfig *rest.Config, settings *config.TLS) error {
	material, err := tlsconfig.Load(settings, "fabric")
	if err != nil {
		return err
	}
	if len(material.CAData) > 0 {
		restConfig.TLSClientConfig.CAData = material.CAData
		restConfig.TLSClientConfig.CAFile = ""
	}
	if material.HasClientCertificate() {
		restConfig.TLSClientConfig.CertData = material.CertData
		restConfig.TLSClientConfig.KeyData = material.KeyData
		restConfig.TLSClientConfig.CertFile = ""
		restConfig.TLSClientConfig.KeyFile = ""
	}
	if material.InsecureSkipVerify {
		restConfig.TLSClientConfig.Insecure = true
		restConfig.TLSClientConfig.CAData = nil
		restConfig.TLSClientConfig.CAFile = ""
	}
	return nil
}

// NewClientForConfig connects to the fabric API described by api.
func NewClientForConfig(fabricID string, api config.FabricAPI) (*Client, error) {
	restConfig, err := RestConfig(api)
	if err != nil {
		return nil, err
	}
	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, faults.Internal("failed to create fabric dynamic client", err)
	}
	coreClient, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, faults.Internal("failed to create fabric core client", err)
	}
	return NewClient(fabricID, dynamicClient, coreClient, Settings{
		QPS:          api.QPS,
		Burst:        api.Burst,
		IgnoreFilter: api.IgnoreFilter,
	})
}
