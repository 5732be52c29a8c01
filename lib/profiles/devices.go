package profiles

import (
	"fmt"
	"slices"

	"github.com/onkernel/blockvol/lib/hypervisor"
	"github.com/onkernel/blockvol/lib/volumes"
)

// RootDeviceID is the slot of every root disk.
const RootDeviceID = 0

// NextDeviceID returns the lowest free data-disk slot. The first data disk
// gets 1; reserved slots are skipped.
func NextDeviceID(caps hypervisor.Capabilities, inUse []int) (int, error) {
	for id := 1; id <= caps.MaxDeviceID; id++ {
		if caps.Reserved(id) || slices.Contains(inUse, id) {
			continue
		}
		return id, nil
	}
	return 0, fmt.Errorf("%w: no free device slot", volumes.ErrResourceAllocationExceeded)
}

// ValidateDeviceID checks a caller-requested data-disk slot.
func ValidateDeviceID(caps hypervisor.Capabilities, id int, inUse []int) error {
	if id < 1 || id > caps.MaxDeviceID {
		return fmt.Errorf("%w: device id %d outside 1..%d", volumes.ErrInvalidParameter, id, caps.MaxDeviceID)
	}
	if caps.Reserved(id) {
		return fmt.Errorf("%w: device id %d is reserved", volumes.ErrInvalidParameter, id)
	}
	if slices.Contains(inUse, id) {
		return fmt.Errorf("%w: device id %d already in use", volumes.ErrInvalidParameter, id)
	}
	return nil
}

// DeviceIDs collects the occupied slots of the given volumes.
func DeviceIDs(vols []*volumes.Volume) []int {
	ids := make([]int, 0, len(vols))
	for _, v := range vols {
		if v.DeviceID != nil {
			ids = append(ids, *v.DeviceID)
		}
	}
	return ids
}
