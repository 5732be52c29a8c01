package store

import (
	"context"
	"fmt"

	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/samber/lo"
	bolt "go.etcd.io/bbolt"
)

var _ catalog.Catalog = (*Store)(nil)

func getEntry[T any](ctx context.Context, s *Store, bucket []byte, key, kind string) (*T, error) {
	var out T
	err := s.view(ctx, func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucket), []byte(key), &out, fmt.Errorf("%s %s: %w", kind, key, catalog.ErrNotFound))
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func listEntries[T any](ctx context.Context, s *Store, bucket []byte) ([]*T, error) {
	var out []*T
	err := s.view(ctx, func(tx *bolt.Tx) error {
		var err error
		out, err = listJSON[T](tx.Bucket(bucket))
		return err
	})
	return out, err
}

func (s *Store) put(ctx context.Context, bucket []byte, key string, v any) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucket), []byte(key), v)
	})
}

func (s *Store) del(ctx context.Context, bucket []byte, key string) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Pools

func (s *Store) PutPool(ctx context.Context, p *catalog.StoragePool) error {
	return s.put(ctx, bucketPools, p.ID, p)
}

// GetPool returns a live pool. Removed pools read as not found.
func (s *Store) GetPool(ctx context.Context, id string) (*catalog.StoragePool, error) {
	p, err := getEntry[catalog.StoragePool](ctx, s, bucketPools, id, "pool")
	if err != nil {
		return nil, err
	}
	if p.Removed {
		return nil, fmt.Errorf("pool %s removed: %w", id, catalog.ErrNotFound)
	}
	return p, nil
}

func (s *Store) ListPools(ctx context.Context, zoneID string) ([]*catalog.StoragePool, error) {
	pools, err := listEntries[catalog.StoragePool](ctx, s, bucketPools)
	if err != nil {
		return nil, err
	}
	return lo.Filter(pools, func(p *catalog.StoragePool, _ int) bool {
		return !p.Removed && (zoneID == "" || p.ZoneID == zoneID)
	}), nil
}

func (s *Store) DeletePool(ctx context.Context, id string) error {
	return s.del(ctx, bucketPools, id)
}

// Hosts

func (s *Store) PutHost(ctx context.Context, h *catalog.Host) error {
	return s.put(ctx, bucketHosts, h.ID, h)
}

func (s *Store) GetHost(ctx context.Context, id string) (*catalog.Host, error) {
	return getEntry[catalog.Host](ctx, s, bucketHosts, id, "host")
}

func (s *Store) ListHosts(ctx context.Context) ([]*catalog.Host, error) {
	return listEntries[catalog.Host](ctx, s, bucketHosts)
}

// HostsForPool returns the Up hosts that can reach a pool: the owning host
// of a local pool, the cluster of a cluster-wide pool, or the whole zone.
func (s *Store) HostsForPool(ctx context.Context, pool *catalog.StoragePool) ([]*catalog.Host, error) {
	hosts, err := s.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(hosts, func(h *catalog.Host, _ int) bool {
		if h.Status != catalog.HostUp {
			return false
		}
		switch {
		case pool.HostID != "":
			return h.ID == pool.HostID
		case pool.ClusterID != "":
			return h.ClusterID == pool.ClusterID
		default:
			return h.ZoneID == pool.ZoneID
		}
	}), nil
}

// Instances

func (s *Store) PutInstance(ctx context.Context, i *catalog.Instance) error {
	return s.put(ctx, bucketInstances, i.ID, i)
}

func (s *Store) GetInstance(ctx context.Context, id string) (*catalog.Instance, error) {
	return getEntry[catalog.Instance](ctx, s, bucketInstances, id, "instance")
}

func (s *Store) ListInstances(ctx context.Context) ([]*catalog.Instance, error) {
	return listEntries[catalog.Instance](ctx, s, bucketInstances)
}

// Offerings

func (s *Store) PutOffering(ctx context.Context, o *catalog.Offering) error {
	return s.put(ctx, bucketOfferings, o.ID, o)
}

func (s *Store) GetOffering(ctx context.Context, id string) (*catalog.Offering, error) {
	return getEntry[catalog.Offering](ctx, s, bucketOfferings, id, "offering")
}

// Templates

func (s *Store) PutTemplate(ctx context.Context, t *catalog.Template) error {
	return s.put(ctx, bucketTemplates, t.ID, t)
}

func (s *Store) GetTemplate(ctx context.Context, id string) (*catalog.Template, error) {
	return getEntry[catalog.Template](ctx, s, bucketTemplates, id, "template")
}

func templateRefKey(templateID, zoneID string) string {
	return templateID + "/" + zoneID
}

func (s *Store) PutTemplateRef(ctx context.Context, r *catalog.TemplateRef) error {
	return s.put(ctx, bucketTemplateRefs, templateRefKey(r.TemplateID, r.ZoneID), r)
}

func (s *Store) GetTemplateRef(ctx context.Context, templateID, zoneID string) (*catalog.TemplateRef, error) {
	return getEntry[catalog.TemplateRef](ctx, s, bucketTemplateRefs, templateRefKey(templateID, zoneID), "template ref")
}

// Image stores

func (s *Store) PutImageStore(ctx context.Context, is *catalog.ImageStore) error {
	return s.put(ctx, bucketImageStores, is.ZoneID, is)
}

func (s *Store) GetImageStore(ctx context.Context, zoneID string) (*catalog.ImageStore, error) {
	return getEntry[catalog.ImageStore](ctx, s, bucketImageStores, zoneID, "image store for zone")
}

// Snapshot jobs

// MarkSnapshotting records that a snapshot of the volume is being taken.
func (s *Store) MarkSnapshotting(ctx context.Context, volumeID uint64) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshotJobs).Put(itob(volumeID), []byte{1})
	})
}

// ClearSnapshotting removes the snapshot marker of a volume.
func (s *Store) ClearSnapshotting(ctx context.Context, volumeID uint64) error {
	return s.update(ctx, func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshotJobs).Delete(itob(volumeID))
	})
}

func (s *Store) SnapshotInProgress(ctx context.Context, volumeID uint64) (bool, error) {
	var found bool
	err := s.view(ctx, func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketSnapshotJobs).Get(itob(volumeID)) != nil
		return nil
	})
	return found, err
}
