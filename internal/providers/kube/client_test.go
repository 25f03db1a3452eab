package kube

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/crmarques/fabricsync/config"
	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/manifest"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
)

func newFakeClient(t *testing.T, settings Settings, objects ...runtime.Object) (*Client, *dynamicfake.FakeDynamicClient, *k8sfake.Clientset) {
	t.Helper()

	listKinds := make(map[schema.GroupVersionResource]string, len(manifest.Kinds()))
	for _, kind := range manifest.Kinds() {
		listKinds[kind.GroupVersionResource()] = kind.String() + "List"
	}
	dynamicClient := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), listKinds, objects...)
	coreClient := k8sfake.NewClientset()

	client, err := NewClient("lab", dynamicClient, coreClient, settings)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client, dynamicClient, coreClient
}

func canonical(t *testing.T, object map[string]any) manifest.Document {
	t.Helper()

	doc, err := manifest.Canonicalize(object)
	if err != nil {
		t.Fatalf("Canonicalize returned error: %v", err)
	}
	return doc
}

func vpcObject(namespace string, subnet string) map[string]any {
	return map[string]any{
		"apiVersion": "vpc.githedgehog.com/v1beta1",
		"kind":       "VPC",
		"metadata": map[string]any{
			"name":      "vpc-1",
			"namespace": namespace,
		},
		"spec": map[string]any{
			"subnets": map[string]any{
				"default": map[string]any{"subnet": subnet, "vlan": int64(1001)},
			},
		},
	}
}

func countVerbs(actions []clienttesting.Action, verb string) int {
	count := 0
	for _, action := range actions {
		if action.GetVerb() == verb {
			count++
		}
	}
	return count
}

func TestApplyCreatesUpdatesAndSkipsIdentical(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, dynamicClient, coreClient := newFakeClient(t, Settings{})

	doc := canonical(t, vpcObject("tenant-a", "10.0.1.0/24"))
	applied, err := client.Apply(ctx, doc)
	if err != nil {
		t.Fatalf("Apply create returned error: %v", err)
	}
	if !applied.Changed || applied.Hash != doc.Hash {
		t.Fatalf("expected create to change the fabric, got %+v", applied)
	}
	if _, err := coreClient.CoreV1().Namespaces().Get(ctx, "tenant-a", metav1.GetOptions{}); err != nil {
		t.Fatalf("expected namespace tenant-a to be created: %v", err)
	}

	again, err := client.Apply(ctx, doc)
	if err != nil {
		t.Fatalf("Apply identical returned error: %v", err)
	}
	if again.Changed {
		t.Fatalf("expected identical apply to be a no-op, got %+v", again)
	}
	if updates := countVerbs(dynamicClient.Actions(), "update"); updates != 0 {
		t.Fatalf("expected no update calls, got %d", updates)
	}

	changed := canonical(t, vpcObject("tenant-a", "10.0.2.0/24"))
	updated, err := client.Apply(ctx, changed)
	if err != nil {
		t.Fatalf("Apply update returned error: %v", err)
	}
	if !updated.Changed || updated.Hash != changed.Hash {
		t.Fatalf("expected update, got %+v", updated)
	}

	live, err := client.List(ctx, manifest.KindVPC)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(live) != 1 || live[0].Hash != changed.Hash || live[0].Identity != changed.Identity {
		t.Fatalf("unexpected live resources %+v", live)
	}
}

func TestListCanonicalizesLiveObjects(t *testing.T) {
	t.Parallel()

	object := vpcObject("default", "10.0.1.0/24")
	metadata := object["metadata"].(map[string]any)
	metadata["uid"] = "0d7c6c3e"
	metadata["resourceVersion"] = "42"
	metadata["generation"] = int64(3)
	metadata["annotations"] = map[string]any{
		"kubectl.kubernetes.io/last-applied-configuration": "{}",
	}
	object["status"] = map[string]any{"applied": true}

	client, _, _ := newFakeClient(t, Settings{}, &unstructured.Unstructured{Object: object})
	live, err := client.List(context.Background(), manifest.KindVPC)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("expected 1 live resource, got %d", len(live))
	}

	want := canonical(t, vpcObject("default", "10.0.1.0/24"))
	if live[0].Hash != want.Hash {
		t.Fatalf("expected server fields to be ignored: got %s want %s", live[0].Hash, want.Hash)
	}
	if _, hasStatus := live[0].Object["status"]; hasStatus {
		t.Fatal("expected status to be stripped from live object")
	}
	doc, err := live[0].Document()
	if err != nil || doc.Hash != want.Hash {
		t.Fatalf("unexpected live document %+v (%v)", doc, err)
	}
}

func TestIgnoreFilterAppliesToBothSides(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	liveObject := vpcObject("default", "10.0.1.0/24")
	liveObject["metadata"].(map[string]any)["labels"] = map[string]any{"fabric.githedgehog.com/managed": "true"}

	client, dynamicClient, _ := newFakeClient(t, Settings{IgnoreFilter: "del(.metadata.labels)"}, &unstructured.Unstructured{Object: liveObject})

	desired := canonical(t, vpcObject("default", "10.0.1.0/24"))
	desiredHash, err := client.Hash(desired)
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}

	live, err := client.List(ctx, manifest.KindVPC)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(live) != 1 || live[0].Hash != desiredHash {
		t.Fatalf("expected filtered hashes to match, got %+v want %s", live, desiredHash)
	}

	applied, err := client.Apply(ctx, desired)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if applied.Changed || countVerbs(dynamicClient.Actions(), "update") != 0 {
		t.Fatalf("expected filtered-equal apply to be a no-op, got %+v", applied)
	}
}

func TestRunFilterRejectsNonObject(t *testing.T) {
	t.Parallel()

	code, err := compileFilter(".metadata.name")
	if err != nil {
		t.Fatalf("compileFilter returned error: %v", err)
	}
	_, err = runFilter(code, map[string]any{"metadata": map[string]any{"name": "a"}})
	if !faults.IsCategory(err, faults.ValidationError) {
		t.Fatalf("expected validation error, got %v", err)
	}

	if _, err := NewClient("lab", nil, nil, Settings{IgnoreFilter: "del("}); !faults.IsCategory(err, faults.ValidationError) {
		t.Fatalf("expected invalid filter to be rejected, got %v", err)
	}
}

func TestClassifyAPIError(t *testing.T) {
	t.Parallel()

	vpcs := schema.GroupResource{Group: "vpc.githedgehog.com", Resource: "vpcs"}
	cases := []struct {
		err  error
		want faults.ErrorCategory
	}{
		{err: apierrors.NewUnauthorized("token expired"), want: faults.AuthError},
		{err: apierrors.NewForbidden(vpcs, "vpc-1", nil), want: faults.AuthError},
		{err: apierrors.NewTooManyRequests("slow down", 1), want: faults.RateLimitError},
		{err: apierrors.NewConflict(vpcs, "vpc-1", nil), want: faults.ConflictError},
		{err: apierrors.NewNotFound(vpcs, "vpc-1"), want: faults.NotFoundError},
		{
			err: apierrors.NewInvalid(schema.GroupKind{Group: "vpc.githedgehog.com", Kind: "VPC"}, "vpc-1", field.ErrorList{
				field.Required(field.NewPath("spec"), "spec is required"),
			}),
			want: faults.ValidationError,
		},
		{err: apierrors.NewServiceUnavailable("down"), want: faults.TransportError},
	}
	for _, tc := range cases {
		err := classifyAPIError("fabric call failed", tc.err)
		if !faults.IsCategory(err, tc.want) {
			t.Fatalf("classifyAPIError(%v) = %v, want %s", tc.err, err, tc.want)
		}
	}
}

const testKubeconfig = `apiVersion: v1
kind: Config
clusters:
- name: east
  cluster:
    server: https://east.example.invalid:6443
- name: west
  cluster:
    server: https://west.example.invalid:6443
users:
- name: admin
  user:
    token: secret
contexts:
- name: east
  context:
    cluster: east
    user: admin
- name: west
  context:
    cluster: west
    user: admin
current-context: east
`

func TestRestConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kubeconfig")
	if err := os.WriteFile(path, []byte(testKubeconfig), 0o600); err != nil {
		t.Fatalf("failed to write kubeconfig: %v", err)
	}

	restConfig, err := RestConfig(config.FabricAPI{Kubeconfig: path, Context: "west"})
	if err != nil {
		t.Fatalf("RestConfig returned error: %v", err)
	}
	if restConfig.Host != "https://west.example.invalid:6443" || restConfig.BearerToken != "secret" {
		t.Fatalf("unexpected rest config host=%q token=%q", restConfig.Host, restConfig.BearerToken)
	}
	if restConfig.UserAgent != userAgent || restConfig.RateLimiter == nil {
		t.Fatal("expected user agent and disabled rest throttling")
	}

	direct, err := RestConfig(config.FabricAPI{Host: "https://10.0.0.1:6443", BearerToken: "t", Insecure: true})
	if err != nil {
		t.Fatalf("RestConfig host returned error: %v", err)
	}
	if direct.Host != "https://10.0.0.1:6443" || !direct.TLSClientConfig.Insecure {
		t.Fatalf("unexpected direct config %+v", direct)
	}

	if _, err := RestConfig(config.FabricAPI{}); !faults.IsCategory(err, faults.ValidationError) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRestConfigAppliesTLSBlock(t *testing.T) {
	t.Parallel()

	_, err := RestConfig(config.FabricAPI{
		Host: "https://10.0.0.1:6443",
		TLS:  &config.TLS{ClientCertFile: "client.pem"},
	})
	if !faults.IsCategory(err, faults.ValidationError) {
		t.Fatalf("expected validation error for half a client pair, got %v", err)
	}

	insecure, err := RestConfig(config.FabricAPI{
		Host: "https://10.0.0.1:6443",
		TLS:  &config.TLS{InsecureSkipVerify: true},
	})
	if err != nil {
		t.Fatalf("RestConfig returned error: %v", err)
	}
	if !insecure.TLSClientConfig.Insecure || len(insecure.TLSClientConfig.CAData) != 0 {
		t.Fatalf("expected insecure tls client config, got %+v", insecure.TLSClientConfig)
	}
}
