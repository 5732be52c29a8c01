package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/onkernel/blockvol/lib/catalog"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load catalog entries from a YAML file",
	Long: `Load pools, hosts, instances, offerings, templates and image
stores into the store. Existing entries with the same id are replaced.

Examples:
  # Seed a zone
  volctl seed -f zone1.yaml`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringP("file", "f", "", "YAML catalog file (required)")
	_ = seedCmd.MarkFlagRequired("file")
}

// SeedFile is a catalog snapshot. Keys follow the JSON tags of the catalog
// types.
type SeedFile struct {
	Pools        []*catalog.StoragePool `json:"pools"`
	Hosts        []*catalog.Host        `json:"hosts"`
	Instances    []*catalog.Instance    `json:"instances"`
	Offerings    []*catalog.Offering    `json:"offerings"`
	Templates    []*catalog.Template    `json:"templates"`
	TemplateRefs []*catalog.TemplateRef `json:"template_refs"`
	ImageStores  []*catalog.ImageStore  `json:"image_stores"`
	Limits       []AccountLimit         `json:"limits"`
}

// AccountLimit caps one resource of one account.
type AccountLimit struct {
	AccountID string `json:"account_id"`
	Resource  string `json:"resource"`
	Limit     int64  `json:"limit"`
}

// parseSeed decodes and checks a catalog file.
func parseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for _, p := range f.Pools {
		if p.ID == "" || p.ZoneID == "" {
			return nil, fmt.Errorf("pool %q: id and zone_id are required", p.Name)
		}
	}
	for _, h := range f.Hosts {
		if h.ID == "" || h.Address == "" {
			return nil, fmt.Errorf("host %q: id and address are required", h.Name)
		}
	}
	for _, i := range f.Instances {
		if i.ID == "" {
			return nil, fmt.Errorf("instance %q: id is required", i.Name)
		}
	}
	for _, o := range f.Offerings {
		if o.ID == "" {
			return nil, fmt.Errorf("offering %q: id is required", o.Name)
		}
	}
	for _, l := range f.Limits {
		if l.AccountID == "" || l.Resource == "" {
			return nil, fmt.Errorf("limit: account_id and resource are required")
		}
	}
	return &f, nil
}

// catalogWriter is the part of the store seeding writes to.
type catalogWriter interface {
	PutPool(ctx context.Context, p *catalog.StoragePool) error
	PutHost(ctx context.Context, h *catalog.Host) error
	PutInstance(ctx context.Context, i *catalog.Instance) error
	PutOffering(ctx context.Context, o *catalog.Offering) error
	PutTemplate(ctx context.Context, t *catalog.Template) error
	PutTemplateRef(ctx context.Context, r *catalog.TemplateRef) error
	PutImageStore(ctx context.Context, is *catalog.ImageStore) error
	SetResourceLimit(ctx context.Context, accountID, resource string, limit int64) error
}

func (f *SeedFile) apply(ctx context.Context, w catalogWriter) error {
	for _, p := range f.Pools {
		if err := w.PutPool(ctx, p); err != nil {
			return fmt.Errorf("pool %s: %w", p.ID, err)
		}
	}
	for _, h := range f.Hosts {
		if err := w.PutHost(ctx, h); err != nil {
			return fmt.Errorf("host %s: %w", h.ID, err)
		}
	}
	for _, i := range f.Instances {
		if err := w.PutInstance(ctx, i); err != nil {
			return fmt.Errorf("instance %s: %w", i.ID, err)
		}
	}
	for _, o := range f.Offerings {
		if err := w.PutOffering(ctx, o); err != nil {
			return fmt.Errorf("offering %s: %w", o.ID, err)
		}
	}
	for _, t := range f.Templates {
		if err := w.PutTemplate(ctx, t); err != nil {
			return fmt.Errorf("template %s: %w", t.ID, err)
		}
	}
	for _, r := range f.TemplateRefs {
		if err := w.PutTemplateRef(ctx, r); err != nil {
			return fmt.Errorf("template ref %s/%s: %w", r.TemplateID, r.ZoneID, err)
		}
	}
	for _, is := range f.ImageStores {
		if err := w.PutImageStore(ctx, is); err != nil {
			return fmt.Errorf("image store %s: %w", is.ID, err)
		}
	}
	for _, l := range f.Limits {
		if err := w.SetResourceLimit(ctx, l.AccountID, l.Resource, l.Limit); err != nil {
			return fmt.Errorf("limit %s/%s: %w", l.AccountID, l.Resource, err)
		}
	}
	return nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	f, err := parseSeed(data)
	if err != nil {
		return err
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	if err := f.apply(s.ctx, s.store); err != nil {
		return err
	}
	fmt.Printf("✓ Seeded %d pools, %d hosts, %d instances, %d offerings, %d templates\n",
		len(f.Pools), len(f.Hosts), len(f.Instances), len(f.Offerings), len(f.Templates))
	return nil
}
