package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/onkernel/blockvol/lib/orchestrator"
	"github.com/onkernel/blockvol/lib/volumes"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var volumeCmd = &cobra.Command{
	Use:     "volume",
	Aliases: []string{"vol"},
	Short:   "Manage volumes",
}

var volumeAllocateCmd = &cobra.Command{
	Use:   "allocate INSTANCE",
	Short: "Reserve the root and data disks of a new instance",
	Long: `Reserve the root disk and data disks of a new instance. Data disks
are given as NAME=OFFERING or NAME=OFFERING:SIZE_GIB for custom offerings.

Examples:
  volctl volume allocate vm-1 --account acct-1 --template tpl-ubuntu \
    --root-offering small --disk data=standard --disk scratch=custom:50`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		account, _ := cmd.Flags().GetString("account")
		domain, _ := cmd.Flags().GetString("domain")
		template, _ := cmd.Flags().GetString("template")
		rootOffering, _ := cmd.Flags().GetString("root-offering")
		rootSize, _ := cmd.Flags().GetInt64("root-size")
		specs, _ := cmd.Flags().GetStringArray("disk")

		disks, err := parseDisks(specs)
		if err != nil {
			return err
		}

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		profs, err := s.orch.AllocateVolumes(s.ctx, orchestrator.AllocateRequest{
			InstanceID:     args[0],
			AccountID:      account,
			DomainID:       domain,
			RootOfferingID: rootOffering,
			TemplateID:     template,
			RootSizeGiB:    rootSize,
			DataDisks:      disks,
		})
		if err != nil {
			return err
		}
		return printJSON(profs)
	},
}

var volumeCreateCmd = &cobra.Command{
	Use:   "create VOLUME_ID",
	Short: "Materialize a volume on primary storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		pool, _ := cmd.Flags().GetString("pool")
		template, _ := cmd.Flags().GetString("template")
		offering, _ := cmd.Flags().GetString("offering")
		hv, _ := cmd.Flags().GetString("hypervisor")

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		vol, err := s.orch.CreateVolume(s.ctx, orchestrator.CreateRequest{
			VolumeID:   id,
			PoolID:     pool,
			TemplateID: template,
			OfferingID: offering,
			Hypervisor: hv,
		})
		if err != nil {
			return err
		}
		return printJSON(vol)
	},
}

var volumeAttachCmd = &cobra.Command{
	Use:   "attach VOLUME_ID INSTANCE",
	Short: "Attach a data disk to an instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		req := orchestrator.AttachRequest{VolumeID: id, InstanceID: args[1]}
		if cmd.Flags().Changed("device") {
			dev, _ := cmd.Flags().GetInt("device")
			req.DeviceID = lo.ToPtr(dev)
		}

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		vol, err := s.orch.AttachVolume(s.ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Volume %d attached to %s at device %d\n", vol.ID, vol.InstanceID, lo.FromPtr(vol.DeviceID))
		return nil
	},
}

var volumeDetachCmd = &cobra.Command{
	Use:   "detach VOLUME_ID",
	Short: "Detach a data disk from its instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		vol, err := s.orch.DetachVolume(s.ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Volume %d detached\n", vol.ID)
		return nil
	},
}

var volumeMigrateCmd = &cobra.Command{
	Use:   "migrate POOL VOLUME_ID...",
	Short: "Move volumes to another pool",
	Long: `Move one or more volumes to POOL. With several volumes the move is
all-or-nothing: on failure every volume stays on its original pool.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uint64, 0, len(args)-1)
		for _, a := range args[1:] {
			id, err := parseID(a)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		if len(ids) == 1 {
			vol, err := s.orch.MigrateVolume(s.ctx, ids[0], args[0])
			if err != nil {
				return err
			}
			fmt.Printf("✓ Volume %d now on pool %s\n", vol.ID, vol.PoolID)
			return nil
		}
		if _, err := s.orch.MigrateVolumes(s.ctx, ids, args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ %d volumes now on pool %s\n", len(ids), args[0])
		return nil
	},
}

var volumeDeleteCmd = &cobra.Command{
	Use:   "delete VOLUME_ID",
	Short: "Mark a detached volume destroyed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		vol, err := s.orch.DeleteVolume(s.ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Volume %d is %s\n", vol.ID, vol.State())
		return nil
	},
}

var volumeExpungeCmd = &cobra.Command{
	Use:   "expunge VOLUME_ID",
	Short: "Remove a destroyed volume's storage and record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		removed, err := s.orch.ExpungeVolume(s.ctx, id, force)
		if err != nil {
			return err
		}
		if !removed {
			fmt.Printf("Volume %d not found\n", id)
			return nil
		}
		fmt.Printf("✓ Volume %d expunged\n", id)
		return nil
	},
}

var volumeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List volumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		var f volumes.Filter
		f.AccountID, _ = cmd.Flags().GetString("account")
		f.InstanceID, _ = cmd.Flags().GetString("instance")
		f.PoolID, _ = cmd.Flags().GetString("pool")
		f.ZoneID, _ = cmd.Flags().GetString("zone")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		states, _ := cmd.Flags().GetStringSlice("state")
		f.States = lo.Map(states, func(s string, _ int) volumes.State { return volumes.State(s) })

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		page, err := s.orch.SearchVolumes(s.ctx, f)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATE\tSIZE\tPOOL\tINSTANCE\tDEVICE\tCREATED")
		for _, v := range page.Volumes {
			device := "-"
			if v.DeviceID != nil {
				device = strconv.Itoa(*v.DeviceID)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				v.ID, v.Name, v.Type, v.State(),
				humanize.IBytes(uint64(v.SizeBytes)),
				lo.CoalesceOrEmpty(v.PoolID, "-"),
				lo.CoalesceOrEmpty(v.InstanceID, "-"),
				device,
				humanize.RelTime(v.CreatedAt, time.Now(), "ago", "from now"),
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("\n%d of %d volumes\n", len(page.Volumes), page.Total)
		return nil
	},
}

var volumeCleanupCmd = &cobra.Command{
	Use:   "cleanup INSTANCE",
	Short: "Release the volumes of an expunged instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()
		return s.orch.CleanupVolumes(s.ctx, args[0])
	},
}

var volumeReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Settle interrupted migrations and stuck expunges",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.orch.Reconcile(s.ctx, olderThan); err != nil {
			return err
		}
		n, err := s.orch.SweepDestroyed(s.ctx, olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Reconciled, %d destroyed volumes queued for expunge\n", n)
		return nil
	},
}

func init() {
	volumeAllocateCmd.Flags().String("account", "", "Owning account (required)")
	volumeAllocateCmd.Flags().String("domain", "", "Owning domain")
	volumeAllocateCmd.Flags().String("template", "", "Root disk template")
	volumeAllocateCmd.Flags().String("root-offering", "", "Root disk offering")
	volumeAllocateCmd.Flags().Int64("root-size", 0, "Root disk size in GiB for custom offerings")
	volumeAllocateCmd.Flags().StringArray("disk", nil, "Data disk as NAME=OFFERING[:SIZE_GIB] (repeatable)")
	_ = volumeAllocateCmd.MarkFlagRequired("account")

	volumeCreateCmd.Flags().String("pool", "", "Destination pool (defaults to the current placement)")
	volumeCreateCmd.Flags().String("template", "", "Instance template")
	volumeCreateCmd.Flags().String("offering", "", "Override offering")
	volumeCreateCmd.Flags().String("hypervisor", "", "Hypervisor family")

	volumeAttachCmd.Flags().Int("device", 0, "Device slot (defaults to the lowest free slot)")

	volumeExpungeCmd.Flags().Bool("force", false, "Remove the record even if storage cleanup fails")

	volumeListCmd.Flags().String("account", "", "Filter by account")
	volumeListCmd.Flags().String("instance", "", "Filter by instance")
	volumeListCmd.Flags().String("pool", "", "Filter by pool")
	volumeListCmd.Flags().String("zone", "", "Filter by zone")
	volumeListCmd.Flags().StringSlice("state", nil, "Filter by state (repeatable)")
	volumeListCmd.Flags().Int("limit", 100, "Maximum number of volumes")

	volumeReconcileCmd.Flags().Duration("older-than", 0, "Only settle work older than this")

	volumeCmd.AddCommand(volumeAllocateCmd, volumeCreateCmd, volumeAttachCmd, volumeDetachCmd,
		volumeMigrateCmd, volumeDeleteCmd, volumeExpungeCmd, volumeListCmd, volumeCleanupCmd,
		volumeReconcileCmd)
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid volume id %q", s)
	}
	return id, nil
}

// parseDisks reads NAME=OFFERING[:SIZE_GIB] specs.
func parseDisks(specs []string) ([]orchestrator.DiskRequest, error) {
	disks := make([]orchestrator.DiskRequest, 0, len(specs))
	for _, spec := range specs {
		name, rest, ok := strings.Cut(spec, "=")
		if !ok || name == "" || rest == "" {
			return nil, fmt.Errorf("invalid disk %q: want NAME=OFFERING[:SIZE_GIB]", spec)
		}
		d := orchestrator.DiskRequest{Name: name, OfferingID: rest}
		if offering, size, ok := strings.Cut(rest, ":"); ok {
			gib, err := strconv.ParseInt(size, 10, 64)
			if err != nil || gib <= 0 {
				return nil, fmt.Errorf("invalid disk %q: size must be a positive number of GiB", spec)
			}
			d.OfferingID = offering
			d.SizeGiB = gib
		}
		disks = append(disks, d)
	}
	return disks, nil
}
