package hypervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupByVersionRange(t *testing.T) {
	r := NewDefaultRegistry(DefaultCapabilities)

	assert.Equal(t, 6, r.Lookup(TypeXenServer, "5.6.100").MaxDataVolumes)
	assert.Equal(t, 13, r.Lookup(TypeXenServer, "6.2.0").MaxDataVolumes)
	assert.Equal(t, 13, r.Lookup(TypeXenServer, "").MaxDataVolumes)

	vmware := r.Lookup(TypeVMware, "6.7")
	assert.Equal(t, 59, vmware.MaxDataVolumes)
	assert.True(t, vmware.SupportsColdAttach)
	assert.False(t, r.Lookup(TypeVMware, "5.5").SupportsColdAttach)
}

func TestLookupFallsBackToDefaults(t *testing.T) {
	r := NewDefaultRegistry(DefaultCapabilities)

	caps := r.Lookup(Type("Ovm3"), "3.4")
	assert.Equal(t, DefaultCapabilities.MaxDataVolumes, caps.MaxDataVolumes)
	assert.True(t, caps.Reserved(0))
	assert.True(t, caps.Reserved(3))
	assert.False(t, caps.Reserved(1))
}

func TestRegisterRejectsBadRange(t *testing.T) {
	r := NewRegistry(DefaultCapabilities)
	err := r.Register(TypeKVM, ">= banana", DefaultCapabilities)
	require.Error(t, err)

	assert.Panics(t, func() { r.MustRegister(TypeKVM, ">= banana", DefaultCapabilities) })
	assert.Equal(t, DefaultCapabilities, r.Lookup(TypeKVM, "8.0"), "nothing was registered")
}

func TestDefaultRegistryRangesParse(t *testing.T) {
	var r *Registry
	require.NotPanics(t, func() { r = NewDefaultRegistry(DefaultCapabilities) })
	assert.Equal(t, 24, r.Lookup(TypeKVM, "").MaxDataVolumes)
}

func TestConfiguredDefaultsFlowIntoFamilies(t *testing.T) {
	defaults := DefaultCapabilities
	defaults.ReservedDeviceIDs = []int{0}
	r := NewDefaultRegistry(defaults)

	assert.False(t, r.Lookup(TypeKVM, "").Reserved(3))
	assert.Equal(t, 24, r.Lookup(TypeKVM, "").MaxDataVolumes)
}

func TestParseType(t *testing.T) {
	assert.Equal(t, TypeKVM, ParseType("kvm"))
	assert.Equal(t, TypeXenServer, ParseType("xenserver"))
	assert.Equal(t, Type("Ovm3"), ParseType("Ovm3"))
}
