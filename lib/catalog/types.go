// Package catalog holds the entities the volume orchestrator reads but does
// not own: pools, hosts, instances, offerings and templates.
package catalog

import (
	"context"
	"errors"
	"slices"
)

var ErrNotFound = errors.New("catalog entry not found")

// PoolType describes how a pool is reached.
type PoolType string

const (
	PoolTypeNetworkFilesystem PoolType = "NetworkFilesystem"
	PoolTypeSharedMountPoint  PoolType = "SharedMountPoint"
	PoolTypeFilesystem        PoolType = "Filesystem"
)

// StoragePool is a primary storage pool.
type StoragePool struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	ZoneID    string   `json:"zone_id"`
	PodID     string   `json:"pod_id,omitempty"`
	ClusterID string   `json:"cluster_id,omitempty"`
	HostID    string   `json:"host_id,omitempty"` // set for local pools
	Path      string   `json:"path"`
	Type      PoolType `json:"type"`
	Shared    bool     `json:"shared"`
	Tags      []string `json:"tags,omitempty"`
	Removed   bool     `json:"removed,omitempty"`
}

// Local reports whether the pool lives on a single host.
func (p *StoragePool) Local() bool {
	return !p.Shared
}

// HasTags reports whether the pool carries every tag in want.
func (p *StoragePool) HasTags(want []string) bool {
	for _, t := range want {
		if !slices.Contains(p.Tags, t) {
			return false
		}
	}
	return true
}

// HostStatus is the agent-reported status of a host.
type HostStatus string

const (
	HostUp          HostStatus = "Up"
	HostDown        HostStatus = "Down"
	HostMaintenance HostStatus = "Maintenance"
)

// Host runs a pool agent and hosts instances.
type Host struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Address           string     `json:"address"`
	ZoneID            string     `json:"zone_id"`
	ClusterID         string     `json:"cluster_id"`
	Hypervisor        string     `json:"hypervisor"`
	HypervisorVersion string     `json:"hypervisor_version"`
	Status            HostStatus `json:"status"`
}

// InstanceState is the power state of a virtual machine.
type InstanceState string

const (
	InstanceStarting  InstanceState = "Starting"
	InstanceRunning   InstanceState = "Running"
	InstanceStopping  InstanceState = "Stopping"
	InstanceStopped   InstanceState = "Stopped"
	InstanceMigrating InstanceState = "Migrating"
	InstanceDestroyed InstanceState = "Destroyed"
)

// Instance is a virtual machine volumes attach to.
type Instance struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	AccountID         string        `json:"account_id"`
	ZoneID            string        `json:"zone_id"`
	HostID            string        `json:"host_id,omitempty"`
	LastHostID        string        `json:"last_host_id,omitempty"`
	Hypervisor        string        `json:"hypervisor"`
	HypervisorVersion string        `json:"hypervisor_version,omitempty"`
	TemplateID        string        `json:"template_id,omitempty"`
	State             InstanceState `json:"state"`
}

// Offering describes the size and placement of a disk.
type Offering struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	SizeBytes       int64    `json:"size_bytes"`
	Custom          bool     `json:"custom"`
	MinSizeGiB      int64    `json:"min_size_gib,omitempty"`
	MaxSizeGiB      int64    `json:"max_size_gib,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	UseLocalStorage bool     `json:"use_local_storage"`
	Recreatable     bool     `json:"recreatable"`
}

// Template is a bootable disk image.
type Template struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Format     string `json:"format"`
	Hypervisor string `json:"hypervisor,omitempty"`
	ISO        bool   `json:"iso"`
}

// DownloadState of a template on secondary storage.
type DownloadState string

const (
	DownloadNotStarted DownloadState = "NOT_DOWNLOADED"
	DownloadInProgress DownloadState = "DOWNLOAD_IN_PROGRESS"
	DownloadComplete   DownloadState = "DOWNLOADED"
	DownloadError      DownloadState = "DOWNLOAD_ERROR"
)

// TemplateRef is a template's copy on a zone's secondary storage.
type TemplateRef struct {
	TemplateID    string        `json:"template_id"`
	ZoneID        string        `json:"zone_id"`
	DownloadState DownloadState `json:"download_state"`
	InstallPath   string        `json:"install_path"`
	SizeBytes     int64         `json:"size_bytes"`
}

// ImageStore is a zone's secondary (staging) storage.
type ImageStore struct {
	ID     string `json:"id"`
	ZoneID string `json:"zone_id"`
	Path   string `json:"path"`
}

// Catalog resolves references the orchestrator needs.
type Catalog interface {
	GetPool(ctx context.Context, id string) (*StoragePool, error)
	ListPools(ctx context.Context, zoneID string) ([]*StoragePool, error)
	GetHost(ctx context.Context, id string) (*Host, error)
	HostsForPool(ctx context.Context, pool *StoragePool) ([]*Host, error)
	GetInstance(ctx context.Context, id string) (*Instance, error)
	GetOffering(ctx context.Context, id string) (*Offering, error)
	GetTemplate(ctx context.Context, id string) (*Template, error)
	GetTemplateRef(ctx context.Context, templateID, zoneID string) (*TemplateRef, error)
	GetImageStore(ctx context.Context, zoneID string) (*ImageStore, error)
	SnapshotInProgress(ctx context.Context, volumeID uint64) (bool, error)
}
