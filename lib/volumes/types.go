package volumes

import (
	"encoding/json"
	"time"
)

// Type distinguishes the boot disk of an instance from additional data disks.
type Type string

const (
	TypeRoot     Type = "ROOT"
	TypeDataDisk Type = "DATADISK"
)

// UploadStatus tracks a volume image uploaded to secondary storage.
type UploadStatus string

const (
	UploadNone       UploadStatus = ""
	UploadInProgress UploadStatus = "UPLOAD_IN_PROGRESS"
	UploadDownloaded UploadStatus = "DOWNLOADED"
	UploadAbandoned  UploadStatus = "UPLOAD_ABANDONED"
)

// Volume is the persisted record of a virtual block device.
//
// The lifecycle state is unexported: it can only move through Transition,
// which consults the transition table in state.go.
type Volume struct {
	ID           uint64
	UUID         string
	Name         string
	Type         Type
	SizeBytes    int64
	AccountID    string
	DomainID     string
	ZoneID       string
	PodID        string
	PoolID       string
	LastPoolID   string
	InstanceID   string
	DeviceID     *int
	OfferingID   string
	TemplateID   string
	Path         string
	Folder       string
	ChainInfo    string
	Recreatable  bool
	Hypervisor   string
	UploadStatus UploadStatus
	StagingPath  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	AttachedAt   *time.Time

	state State
}

// New returns an unsaved volume in the Allocated state.
func New(name string, typ Type, sizeBytes int64) *Volume {
	return &Volume{
		Name:      name,
		Type:      typ,
		SizeBytes: sizeBytes,
		CreatedAt: time.Now(),
		state:     StateAllocated,
	}
}

// State returns the current lifecycle state.
func (v *Volume) State() State {
	return v.state
}

// Attached reports whether the volume is bound to an instance.
func (v *Volume) Attached() bool {
	return v.InstanceID != ""
}

// Materialized reports whether the volume has a backing copy on a pool.
func (v *Volume) Materialized() bool {
	return v.PoolID != "" && v.Path != ""
}

// Clone returns a deep copy, including the lifecycle state.
func (v *Volume) Clone() *Volume {
	c := *v
	if v.DeviceID != nil {
		d := *v.DeviceID
		c.DeviceID = &d
	}
	if v.AttachedAt != nil {
		t := *v.AttachedAt
		c.AttachedAt = &t
	}
	return &c
}

// Duplicate returns a fresh Allocated record carrying the identity,
// ownership and attachment of v but none of its physical placement.
// It is used when a volume is recreated on a different pool.
func (v *Volume) Duplicate(templateID string) *Volume {
	d := New(v.Name, v.Type, v.SizeBytes)
	d.AccountID = v.AccountID
	d.DomainID = v.DomainID
	d.ZoneID = v.ZoneID
	d.OfferingID = v.OfferingID
	d.TemplateID = templateID
	d.InstanceID = v.InstanceID
	d.Recreatable = v.Recreatable
	d.Hypervisor = v.Hypervisor
	if v.DeviceID != nil {
		id := *v.DeviceID
		d.DeviceID = &id
	}
	if v.AttachedAt != nil {
		t := *v.AttachedAt
		d.AttachedAt = &t
	}
	return d
}

// DiskProfile describes how a volume must be realized on a pool.
type DiskProfile struct {
	VolumeID        uint64
	Type            Type
	Name            string
	OfferingID      string
	SizeBytes       int64
	Tags            []string
	UseLocalStorage bool
	Recreatable     bool
	TemplateID      string
	DeviceID        *int
}

// Filter narrows a volume search. Zero fields match everything.
type Filter struct {
	AccountID  string
	InstanceID string
	PoolID     string
	ZoneID     string
	Name       string
	Type       Type
	States     []State
	Offset     int
	Limit      int
}

// Page is one slice of search results plus the total match count.
type Page struct {
	Volumes []*Volume
	Total   int
}

// storedVolume is the serialized form of a Volume.
type storedVolume struct {
	ID           uint64       `json:"id"`
	UUID         string       `json:"uuid"`
	Name         string       `json:"name"`
	Type         Type         `json:"type"`
	SizeBytes    int64        `json:"size_bytes"`
	State        State        `json:"state"`
	AccountID    string       `json:"account_id,omitempty"`
	DomainID     string       `json:"domain_id,omitempty"`
	ZoneID       string       `json:"zone_id,omitempty"`
	PodID        string       `json:"pod_id,omitempty"`
	PoolID       string       `json:"pool_id,omitempty"`
	LastPoolID   string       `json:"last_pool_id,omitempty"`
	InstanceID   string       `json:"instance_id,omitempty"`
	DeviceID     *int         `json:"device_id,omitempty"`
	OfferingID   string       `json:"offering_id,omitempty"`
	TemplateID   string       `json:"template_id,omitempty"`
	Path         string       `json:"path,omitempty"`
	Folder       string       `json:"folder,omitempty"`
	ChainInfo    string       `json:"chain_info,omitempty"`
	Recreatable  bool         `json:"recreatable"`
	Hypervisor   string       `json:"hypervisor,omitempty"`
	UploadStatus UploadStatus `json:"upload_status,omitempty"`
	StagingPath  string       `json:"staging_path,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	AttachedAt   *time.Time   `json:"attached_at,omitempty"`
}

// MarshalJSON persists the lifecycle state alongside the public fields.
func (v *Volume) MarshalJSON() ([]byte, error) {
	return json.Marshal(storedVolume{
		ID:           v.ID,
		UUID:         v.UUID,
		Name:         v.Name,
		Type:         v.Type,
		SizeBytes:    v.SizeBytes,
		State:        v.state,
		AccountID:    v.AccountID,
		DomainID:     v.DomainID,
		ZoneID:       v.ZoneID,
		PodID:        v.PodID,
		PoolID:       v.PoolID,
		LastPoolID:   v.LastPoolID,
		InstanceID:   v.InstanceID,
		DeviceID:     v.DeviceID,
		OfferingID:   v.OfferingID,
		TemplateID:   v.TemplateID,
		Path:         v.Path,
		Folder:       v.Folder,
		ChainInfo:    v.ChainInfo,
		Recreatable:  v.Recreatable,
		Hypervisor:   v.Hypervisor,
		UploadStatus: v.UploadStatus,
		StagingPath:  v.StagingPath,
		CreatedAt:    v.CreatedAt,
		UpdatedAt:    v.UpdatedAt,
		AttachedAt:   v.AttachedAt,
	})
}

// UnmarshalJSON restores a volume, rejecting unknown lifecycle states.
func (v *Volume) UnmarshalJSON(data []byte) error {
	var s storedVolume
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if _, ok := ValidTransitions[s.State]; !ok {
		return ErrUnknownState
	}
	*v = Volume{
		ID:           s.ID,
		UUID:         s.UUID,
		Name:         s.Name,
		Type:         s.Type,
		SizeBytes:    s.SizeBytes,
		AccountID:    s.AccountID,
		DomainID:     s.DomainID,
		ZoneID:       s.ZoneID,
		PodID:        s.PodID,
		PoolID:       s.PoolID,
		LastPoolID:   s.LastPoolID,
		InstanceID:   s.InstanceID,
		DeviceID:     s.DeviceID,
		OfferingID:   s.OfferingID,
		TemplateID:   s.TemplateID,
		Path:         s.Path,
		Folder:       s.Folder,
		ChainInfo:    s.ChainInfo,
		Recreatable:  s.Recreatable,
		Hypervisor:   s.Hypervisor,
		UploadStatus: s.UploadStatus,
		StagingPath:  s.StagingPath,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		AttachedAt:   s.AttachedAt,
		state:        s.State,
	}
	return nil
}
