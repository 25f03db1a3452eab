package manifest

import (
	"fmt"
	"path"
	"strings"

	"github.com/crmarques/fabricsync/faults"
	"k8s.io/apimachinery/pkg/util/validation"
)

const (
	DefaultNamespace = "default"
	FileExtension    = ".yaml"

	pathSeparator = "--"
)

// Identity is the unique key of a managed resource within one fabric.
type Identity struct {
	Kind      Kind
	Namespace string
	Name      string
}

func (i Identity) String() string {
	return i.Kind.String() + "/" + i.Namespace + "/" + i.Name
}

// Path is the managed-store path of the resource, relative to the managed
// root. It is a pure function of the identity.
func (i Identity) Path() string {
	return path.Join(i.Kind.Dir(), i.Namespace+pathSeparator+i.Name+FileExtension)
}

func (i Identity) Validate() error {
	if !i.Kind.Known() {
		return faults.Validation(fmt.Sprintf("unknown kind %q", i.Kind.String()), nil)
	}
	if errs := validation.IsDNS1123Subdomain(i.Name); len(errs) > 0 {
		return faults.Validation(fmt.Sprintf("invalid metadata.name %q: %s", i.Name, strings.Join(errs, "; ")), nil)
	}
	if errs := validation.IsDNS1123Label(i.Namespace); len(errs) > 0 {
		return faults.Validation(fmt.Sprintf("invalid metadata.namespace %q: %s", i.Namespace, strings.Join(errs, "; ")), nil)
	}
	// The first separator in a managed file name splits namespace from name.
	if strings.Contains(i.Namespace, pathSeparator) {
		return faults.Validation(fmt.Sprintf("metadata.namespace %q must not contain %q", i.Namespace, pathSeparator), nil)
	}
	return nil
}

// ParseIdentity parses the "Kind/namespace/name" form produced by String.
func ParseIdentity(value string) (Identity, error) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	if len(parts) != 3 {
		return Identity{}, faults.Validation(fmt.Sprintf("resource identity %q must be kind/namespace/name", value), nil)
	}
	kind, ok := ParseKind(parts[0])
	if !ok {
		return Identity{}, faults.Validation(fmt.Sprintf("unknown kind %q", parts[0]), nil)
	}
	id := Identity{Kind: kind, Namespace: parts[1], Name: parts[2]}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// IdentityFromPath is the inverse of Identity.Path.
func IdentityFromPath(managedPath string) (Identity, error) {
	cleaned := path.Clean(strings.TrimPrefix(managedPath, "/"))
	dir, file := path.Split(cleaned)
	kind, ok := KindForDir(strings.Trim(dir, "/"))
	if !ok {
		return Identity{}, faults.Validation(fmt.Sprintf("managed path %q is not under a known kind directory", managedPath), nil)
	}
	if !strings.HasSuffix(file, FileExtension) {
		return Identity{}, faults.Validation(fmt.Sprintf("managed path %q is not a %s file", managedPath, FileExtension), nil)
	}
	namespace, name, found := strings.Cut(strings.TrimSuffix(file, FileExtension), pathSeparator)
	if !found {
		return Identity{}, faults.Validation(fmt.Sprintf("managed file name %q must be namespace%sname", file, pathSeparator), nil)
	}
	id := Identity{Kind: kind, Namespace: namespace, Name: name}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}
