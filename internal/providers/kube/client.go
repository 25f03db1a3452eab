// Package kube implements the fabric sync contract against a
// Kubernetes-style declarative API through the dynamic client. Resource
// mappings come from the static kind table; discovery is never used.
package kube

import (
	"context"
	"fmt"
	"sync"

	"github.com/crmarques/fabricsync/fabric"
	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/go-logr/logr"
	"github.com/itchyny/gojq"
	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
)

var _ fabric.API = (*Client)(nil)

const listPageSize = 500

// Settings tune a Client. QPS <= 0 disables client-side rate limiting.
type Settings struct {
	QPS          float64
	Burst        int
	IgnoreFilter string
}

type Client struct {
	fabricID string
	dynamic  dynamic.Interface
	core     kubernetes.Interface
	limiter  *rate.Limiter
	filter   *gojq.Code

	namespaces sync.Map
}

func NewClient(fabricID string, dynamicClient dynamic.Interface, coreClient kubernetes.Interface, settings Settings) (*Client, error) {
	limit := rate.Inf
	burst := settings.Burst
	if settings.QPS > 0 {
		limit = rate.Limit(settings.QPS)
		if burst < 1 {
			burst = 1
		}
	}

	client := &Client{
		fabricID: fabricID,
		dynamic:  dynamicClient,
		core:     coreClient,
		limiter:  rate.NewLimiter(limit, burst),
	}
	if settings.IgnoreFilter != "" {
		code, err := compileFilter(settings.IgnoreFilter)
		if err != nil {
			return nil, err
		}
		client.filter = code
	}
	return client, nil
}

func (c *Client) Hash(doc manifest.Document) (string, error) {
	if c.filter == nil {
		return doc.Hash, nil
	}
	filtered, err := runFilter(c.filter, doc.Object)
	if err != nil {
		return "", err
	}
	return manifest.HashObject(filtered)
}

func (c *Client) Apply(ctx context.Context, doc manifest.Document) (fabric.AppliedVersion, error) {
	id := doc.Identity
	desiredHash, err := c.Hash(doc)
	if err != nil {
		return fabric.AppliedVersion{}, err
	}

	if id.Kind.Namespaced() {
		if err := c.EnsureNamespace(ctx, id.Namespace); err != nil {
			return fabric.AppliedVersion{}, err
		}
	}
	resources := c.resourceInterface(id)

	if err := c.wait(ctx); err != nil {
		return fabric.AppliedVersion{}, err
	}
	live, err := resources.Get(ctx, id.Name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		if err := c.wait(ctx); err != nil {
			return fabric.AppliedVersion{}, err
		}
		created, err := resources.Create(ctx, desiredObject(doc), metav1.CreateOptions{})
		if err != nil {
			return fabric.AppliedVersion{}, classifyAPIError(fmt.Sprintf("failed to create %s", id), err)
		}
		logr.FromContextOrDiscard(ctx).V(1).Info("created fabric resource", "fabric", c.fabricID, "resource", id.String())
		return fabric.AppliedVersion{ResourceVersion: created.GetResourceVersion(), Hash: desiredHash, Changed: true}, nil
	case err != nil:
		return fabric.AppliedVersion{}, classifyAPIError(fmt.Sprintf("failed to read %s", id), err)
	}

	current, err := c.liveResource(live)
	if err != nil {
		return fabric.AppliedVersion{}, err
	}
	if current.Hash == desiredHash {
		return fabric.AppliedVersion{ResourceVersion: current.ResourceVersion, Hash: desiredHash}, nil
	}

	desired := desiredObject(doc)
	desired.SetResourceVersion(live.GetResourceVersion())
	if err := c.wait(ctx); err != nil {
		return fabric.AppliedVersion{}, err
	}
	updated, err := resources.Update(ctx, desired, metav1.UpdateOptions{})
	if err != nil {
		return fabric.AppliedVersion{}, classifyAPIError(fmt.Sprintf("failed to update %s", id), err)
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("updated fabric resource", "fabric", c.fabricID, "resource", id.String())
	return fabric.AppliedVersion{ResourceVersion: updated.GetResourceVersion(), Hash: desiredHash, Changed: true}, nil
}

func (c *Client) List(ctx context.Context, kind manifest.Kind) ([]fabric.LiveResource, error) {
	if !kind.Known() {
		return nil, faults.Validation(fmt.Sprintf("unknown kind %q", kind.String()), nil)
	}
	log := logr.FromContextOrDiscard(ctx)

	var live []fabric.LiveResource
	options := metav1.ListOptions{Limit: listPageSize}
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		page, err := c.dynamic.Resource(kind.GroupVersionResource()).List(ctx, options)
		if err != nil {
			return nil, classifyAPIError(fmt.Sprintf("failed to list %s", kind), err)
		}
		for idx := range page.Items {
			resource, err := c.liveResource(&page.Items[idx])
			if err != nil {
				if faults.IsCategory(err, faults.ValidationError) {
					log.Info("skipping live object that cannot be managed",
						"fabric", c.fabricID,
						"kind", kind.String(),
						"namespace", page.Items[idx].GetNamespace(),
						"name", page.Items[idx].GetName(),
						"error", err.Error(),
					)
					continue
				}
				return nil, err
			}
			live = append(live, resource)
		}
		if page.GetContinue() == "" {
			return live, nil
		}
		options.Continue = page.GetContinue()
	}
}

// EnsureNamespace creates namespace when it does not exist. Namespaces
// known to exist are remembered for the lifetime of the client.
func (c *Client) EnsureNamespace(ctx context.Context, namespace string) error {
	if _, ok := c.namespaces.Load(namespace); ok {
		return nil
	}

	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.core.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if err := c.wait(ctx); err != nil {
			return err
		}
		_, err = c.core.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{Name: namespace},
		}, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			err = nil
		}
	}
	if err != nil {
		return classifyAPIError(fmt.Sprintf("failed to ensure namespace %q", namespace), err)
	}

	c.namespaces.Store(namespace, struct{}{})
	return nil
}

func (c *Client) liveResource(object *unstructured.Unstructured) (fabric.LiveResource, error) {
	doc, err := manifest.Canonicalize(object.Object)
	if err != nil {
		return fabric.LiveResource{}, err
	}
	hash, err := c.Hash(doc)
	if err != nil {
		return fabric.LiveResource{}, err
	}
	return fabric.LiveResource{
		Identity:        doc.Identity,
		Hash:            hash,
		Object:          doc.Object,
		ResourceVersion: object.GetResourceVersion(),
	}, nil
}

func (c *Client) resourceInterface(id manifest.Identity) dynamic.ResourceInterface {
	resources := c.dynamic.Resource(id.Kind.GroupVersionResource())
	if id.Kind.Namespaced() {
		return resources.Namespace(id.Namespace)
	}
	return resources
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return faults.NewTypedError(faults.RateLimitError, "fabric api rate limiter wait aborted", err)
	}
	return nil
}

func desiredObject(doc manifest.Document) *unstructured.Unstructured {
	return (&unstructured.Unstructured{Object: doc.Object}).DeepCopy()
}
