package gateway

import (
	"fmt"

	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/onkernel/blockvol/lib/volumes"
)

// CommandKind names a storage operation executed by a pool agent.
type CommandKind string

const (
	CmdCreate       CommandKind = "Create"
	CmdDestroy      CommandKind = "Destroy"
	CmdAttachVolume CommandKind = "AttachVolume"
	CmdDetachVolume CommandKind = "DetachVolume"
	CmdCopyVolume   CommandKind = "CopyVolume"
	CmdAttachIso    CommandKind = "AttachIso"
)

// StoreKind distinguishes primary pools from a zone's staging storage.
type StoreKind string

const (
	StorePrimary   StoreKind = "primary"
	StoreSecondary StoreKind = "secondary"
)

// StoreRef addresses a primary pool or a secondary store.
type StoreRef struct {
	Kind StoreKind `json:"kind"`
	ID   string    `json:"id"`
	Path string    `json:"path"`
}

func (r StoreRef) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// PoolRef addresses a primary pool.
func PoolRef(p *catalog.StoragePool) StoreRef {
	return StoreRef{Kind: StorePrimary, ID: p.ID, Path: p.Path}
}

// ImageStoreRef addresses a zone's secondary store.
func ImageStoreRef(s *catalog.ImageStore) StoreRef {
	return StoreRef{Kind: StoreSecondary, ID: s.ID, Path: s.Path}
}

// Command is an immutable request to a pool agent. Build it with one of
// the New* constructors.
type Command struct {
	Kind         CommandKind `json:"kind"`
	VolumeID     uint64      `json:"volume_id,omitempty"`
	VolumeUUID   string      `json:"volume_uuid,omitempty"`
	Name         string      `json:"name,omitempty"`
	SizeBytes    int64       `json:"size_bytes,omitempty"`
	Store        StoreRef    `json:"store"`
	Path         string      `json:"path,omitempty"`
	Dest         *StoreRef   `json:"dest,omitempty"`
	DestPath     string      `json:"dest_path,omitempty"`
	Template     *StoreRef   `json:"template,omitempty"`
	TemplatePath string      `json:"template_path,omitempty"`
	InstanceID   string      `json:"instance_id,omitempty"`
	InstanceName string      `json:"instance_name,omitempty"`
	DeviceID     *int        `json:"device_id,omitempty"`
}

// Answer is a pool agent's reply. Success=false is a definitive failure:
// the agent ran the command and it did not take effect.
type Answer struct {
	Success   bool   `json:"success"`
	Details   string `json:"details,omitempty"`
	Path      string `json:"path,omitempty"`
	Folder    string `json:"folder,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	ChainInfo string `json:"chain_info,omitempty"`
}

// NewCreate realizes an empty volume on a pool.
func NewCreate(vol *volumes.Volume, profile *volumes.DiskProfile, pool StoreRef) Command {
	return Command{
		Kind:       CmdCreate,
		VolumeID:   vol.ID,
		VolumeUUID: vol.UUID,
		Name:       vol.Name,
		SizeBytes:  profile.SizeBytes,
		Store:      pool,
	}
}

// FromTemplate seeds a Create command from a template installed on a
// secondary store.
func (c Command) FromTemplate(store StoreRef, installPath string) Command {
	c.Template = &store
	c.TemplatePath = installPath
	return c
}

// NewDestroy removes a volume copy from a store.
func NewDestroy(vol *volumes.Volume, store StoreRef, path string) Command {
	return Command{
		Kind:       CmdDestroy,
		VolumeID:   vol.ID,
		VolumeUUID: vol.UUID,
		Store:      store,
		Path:       path,
	}
}

// NewCopy copies the volume at src/path to dest. destPath, when empty,
// lets the agent choose.
func NewCopy(vol *volumes.Volume, src StoreRef, path string, dest StoreRef, destPath string) Command {
	return Command{
		Kind:       CmdCopyVolume,
		VolumeID:   vol.ID,
		VolumeUUID: vol.UUID,
		SizeBytes:  vol.SizeBytes,
		Store:      src,
		Path:       path,
		Dest:       &dest,
		DestPath:   destPath,
	}
}

// NewAttach plugs a materialized volume into an instance.
func NewAttach(vol *volumes.Volume, pool StoreRef, inst *catalog.Instance, deviceID int) Command {
	return Command{
		Kind:         CmdAttachVolume,
		VolumeID:     vol.ID,
		VolumeUUID:   vol.UUID,
		Store:        pool,
		Path:         vol.Path,
		InstanceID:   inst.ID,
		InstanceName: inst.Name,
		DeviceID:     &deviceID,
	}
}

// NewDetach unplugs a volume from an instance.
func NewDetach(vol *volumes.Volume, pool StoreRef, inst *catalog.Instance) Command {
	cmd := Command{
		Kind:         CmdDetachVolume,
		VolumeID:     vol.ID,
		VolumeUUID:   vol.UUID,
		Store:        pool,
		Path:         vol.Path,
		InstanceID:   inst.ID,
		InstanceName: inst.Name,
	}
	if vol.DeviceID != nil {
		id := *vol.DeviceID
		cmd.DeviceID = &id
	}
	return cmd
}

// NewAttachIso plugs an ISO from secondary storage into an instance.
func NewAttachIso(store StoreRef, isoPath string, inst *catalog.Instance) Command {
	return Command{
		Kind:         CmdAttachIso,
		Store:        store,
		Path:         isoPath,
		InstanceID:   inst.ID,
		InstanceName: inst.Name,
	}
}
