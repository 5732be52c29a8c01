// Package hypervisor describes what each hypervisor family allows for block
// devices. Limits differ by family and by release, so capabilities are
// registered against a (type, version range) pair and looked up per
// instance.
package hypervisor

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-version"
)

// Type identifies a hypervisor family.
type Type string

const (
	TypeKVM             Type = "KVM"
	TypeXenServer       Type = "XenServer"
	TypeVMware          Type = "VMware"
	TypeCloudHypervisor Type = "cloud-hypervisor"
	TypeQEMU            Type = "qemu"
)

// ParseType normalizes a hypervisor name as reported by hosts.
func ParseType(s string) Type {
	for _, t := range []Type{TypeKVM, TypeXenServer, TypeVMware, TypeCloudHypervisor, TypeQEMU} {
		if strings.EqualFold(string(t), s) {
			return t
		}
	}
	return Type(s)
}

// Capabilities indicates the block-device limits of a hypervisor family.
type Capabilities struct {
	// MaxDataVolumes is the number of DATADISK volumes one instance may hold
	MaxDataVolumes int

	// MaxDeviceID is the highest device slot a caller may request
	MaxDeviceID int

	// ReservedDeviceIDs are slots never handed to data disks
	ReservedDeviceIDs []int

	// SupportsColdAttach indicates a stopped instance must also be told
	// about a new disk, rather than picking it up at next boot
	SupportsColdAttach bool
}

// Reserved reports whether id is a reserved slot.
func (c Capabilities) Reserved(id int) bool {
	return slices.Contains(c.ReservedDeviceIDs, id)
}

// DefaultCapabilities are used for any family without a registered entry.
var DefaultCapabilities = Capabilities{
	MaxDataVolumes:     6,
	MaxDeviceID:        15,
	ReservedDeviceIDs:  []int{0, 3},
	SupportsColdAttach: false,
}

type entry struct {
	typ         Type
	constraints version.Constraints
	caps        Capabilities
}

// Registry maps (type, version range) to capabilities. The first matching
// registration wins, so register narrow ranges before broad ones.
type Registry struct {
	mu       sync.RWMutex
	entries  []entry
	defaults Capabilities
}

// NewRegistry creates an empty registry falling back to defaults.
func NewRegistry(defaults Capabilities) *Registry {
	return &Registry{defaults: defaults}
}

// Register adds capabilities for t. An empty versionRange matches every
// version, including hosts that report none.
func (r *Registry) Register(t Type, versionRange string, caps Capabilities) error {
	var constraints version.Constraints
	if versionRange != "" {
		c, err := version.NewConstraint(versionRange)
		if err != nil {
			return fmt.Errorf("parse version range %q for %s: %w", versionRange, t, err)
		}
		constraints = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{typ: t, constraints: constraints, caps: caps})
	return nil
}

// MustRegister is like Register but panics on a malformed version range.
func (r *Registry) MustRegister(t Type, versionRange string, caps Capabilities) {
	if err := r.Register(t, versionRange, caps); err != nil {
		panic(err)
	}
}

// Lookup returns the capabilities for a hypervisor at the given version.
func (r *Registry) Lookup(t Type, ver string) Capabilities {
	var v *version.Version
	if ver != "" {
		if parsed, err := version.NewVersion(ver); err == nil {
			v = parsed
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if e.typ != t {
			continue
		}
		if e.constraints == nil {
			return e.caps
		}
		if v != nil && e.constraints.Check(v) {
			return e.caps
		}
	}
	return r.defaults
}

// NewDefaultRegistry returns a registry preloaded with known families.
// defaults is used both for unknown families and as the template the
// known families adjust.
func NewDefaultRegistry(defaults Capabilities) *Registry {
	r := NewRegistry(defaults)

	xenLegacy := defaults
	xenLegacy.MaxDataVolumes = 6
	r.MustRegister(TypeXenServer, "< 6.0", xenLegacy)

	xen := defaults
	xen.MaxDataVolumes = 13
	r.MustRegister(TypeXenServer, "", xen)

	vmware := defaults
	vmware.MaxDataVolumes = 59
	vmware.MaxDeviceID = 63
	vmware.ReservedDeviceIDs = []int{0, 7}
	vmware.SupportsColdAttach = true
	r.MustRegister(TypeVMware, ">= 6.0", vmware)
	r.MustRegister(TypeVMware, "", defaults)

	kvm := defaults
	kvm.MaxDataVolumes = 24
	kvm.MaxDeviceID = 26
	r.MustRegister(TypeKVM, "", kvm)

	chv := defaults
	chv.MaxDataVolumes = 8
	r.MustRegister(TypeCloudHypervisor, "", chv)
	r.MustRegister(TypeQEMU, "", kvm)

	return r
}
