package manifest

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	vpcGroup    = "vpc.githedgehog.com"
	wiringGroup = "wiring.githedgehog.com"
	apiVersion  = "v1beta1"
)

// Kind is a fabric API kind the engine knows how to place in the managed
// store. The zero value is KindUnknown.
type Kind int

const (
	KindUnknown Kind = iota
	KindVPC
	KindVPCAttachment
	KindVPCPeering
	KindExternal
	KindExternalAttachment
	KindExternalPeering
	KindIPv4Namespace
	KindConnection
	KindServer
	KindSwitch
	KindSwitchGroup
	KindVLANNamespace
)

// KindInfo describes where a kind lives on the fabric API and in the
// managed store.
type KindInfo struct {
	Name       string
	Group      string
	Version    string
	Resource   string
	Dir        string
	Namespaced bool
}

var allKinds = []Kind{
	KindVPC,
	KindVPCAttachment,
	KindVPCPeering,
	KindExternal,
	KindExternalAttachment,
	KindExternalPeering,
	KindIPv4Namespace,
	KindConnection,
	KindServer,
	KindSwitch,
	KindSwitchGroup,
	KindVLANNamespace,
}

// Kinds returns every known kind in table order.
func Kinds() []Kind {
	out := make([]Kind, len(allKinds))
	copy(out, allKinds)
	return out
}

// Info returns the table entry for k. KindUnknown and out-of-range values
// return a zero KindInfo and false.
func (k Kind) Info() (KindInfo, bool) {
	switch k {
	case KindVPC:
		return KindInfo{Name: "VPC", Group: vpcGroup, Version: apiVersion, Resource: "vpcs", Dir: "vpcs", Namespaced: true}, true
	case KindVPCAttachment:
		return KindInfo{Name: "VPCAttachment", Group: vpcGroup, Version: apiVersion, Resource: "vpcattachments", Dir: "vpc-attachments", Namespaced: true}, true
	case KindVPCPeering:
		return KindInfo{Name: "VPCPeering", Group: vpcGroup, Version: apiVersion, Resource: "vpcpeerings", Dir: "vpc-peerings", Namespaced: true}, true
	case KindExternal:
		return KindInfo{Name: "External", Group: vpcGroup, Version: apiVersion, Resource: "externals", Dir: "externals", Namespaced: true}, true
	case KindExternalAttachment:
		return KindInfo{Name: "ExternalAttachment", Group: vpcGroup, Version: apiVersion, Resource: "externalattachments", Dir: "external-attachments", Namespaced: true}, true
	case KindExternalPeering:
		return KindInfo{Name: "ExternalPeering", Group: vpcGroup, Version: apiVersion, Resource: "externalpeerings", Dir: "external-peerings", Namespaced: true}, true
	case KindIPv4Namespace:
		return KindInfo{Name: "IPv4Namespace", Group: vpcGroup, Version: apiVersion, Resource: "ipv4namespaces", Dir: "ipv4-namespaces", Namespaced: true}, true
	case KindConnection:
		return KindInfo{Name: "Connection", Group: wiringGroup, Version: apiVersion, Resource: "connections", Dir: "connections", Namespaced: true}, true
	case KindServer:
		return KindInfo{Name: "Server", Group: wiringGroup, Version: apiVersion, Resource: "servers", Dir: "servers", Namespaced: true}, true
	case KindSwitch:
		return KindInfo{Name: "Switch", Group: wiringGroup, Version: apiVersion, Resource: "switches", Dir: "switches", Namespaced: true}, true
	case KindSwitchGroup:
		return KindInfo{Name: "SwitchGroup", Group: wiringGroup, Version: apiVersion, Resource: "switchgroups", Dir: "switch-groups", Namespaced: true}, true
	case KindVLANNamespace:
		return KindInfo{Name: "VLANNamespace", Group: wiringGroup, Version: apiVersion, Resource: "vlannamespaces", Dir: "vlan-namespaces", Namespaced: true}, true
	default:
		return KindInfo{}, false
	}
}

func (k Kind) String() string {
	if info, ok := k.Info(); ok {
		return info.Name
	}
	return "Unknown"
}

func (k Kind) Known() bool {
	_, ok := k.Info()
	return ok
}

func (k Kind) APIVersion() string {
	info, _ := k.Info()
	return info.Group + "/" + info.Version
}

func (k Kind) GroupVersionResource() schema.GroupVersionResource {
	info, _ := k.Info()
	return schema.GroupVersionResource{Group: info.Group, Version: info.Version, Resource: info.Resource}
}

func (k Kind) GroupVersionKind() schema.GroupVersionKind {
	info, _ := k.Info()
	return schema.GroupVersionKind{Group: info.Group, Version: info.Version, Kind: info.Name}
}

// Dir is the managed-store subdirectory for k.
func (k Kind) Dir() string {
	info, _ := k.Info()
	return info.Dir
}

func (k Kind) Namespaced() bool {
	info, _ := k.Info()
	return info.Namespaced
}

// ParseKind resolves a manifest kind name. Matching is exact, as on the
// fabric API.
func ParseKind(name string) (Kind, bool) {
	for _, candidate := range allKinds {
		if candidate.String() == name {
			return candidate, true
		}
	}
	return KindUnknown, false
}

// KindForDir resolves a managed-store subdirectory back to its kind.
func KindForDir(dir string) (Kind, bool) {
	for _, candidate := range allKinds {
		if candidate.Dir() == dir {
			return candidate, true
		}
	}
	return KindUnknown, false
}
