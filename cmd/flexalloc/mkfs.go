package main

import (
	"context"

	"code.cloudfoundry.org/bytefmt"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/flexalloc/flexalloc/pkg/flaerr"
	"github.com/flexalloc/flexalloc/pkg/fladev"
	"github.com/flexalloc/flexalloc/pkg/flafs"
	"github.com/flexalloc/flexalloc/pkg/flageo"
)

var errMkfsZoneSectorsRequired = flaerr.New(flaerr.InvalidArgument, "--zone-sectors is required with --zoned")

var (
	mkfsSlabNlb  uint64
	mkfsSlabSize string
	mkfsNpools   uint32
	mkfsLbNbytes uint32
	mkfsMdts     string
	mkfsZoned    bool
	mkfsNzsect   uint64
	mkfsMdDevice string
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs DEVICE",
	Short: "format a block device with a fresh flexalloc layout",
	Args:  cobra.ExactArgs(1),
	RunE:  runMkfs,
}

func addMkfsFlags(f *pflag.FlagSet) {
	f.Uint64Var(&mkfsSlabNlb, "slab-nlb", 0, "slab size in logical blocks")
	f.StringVar(&mkfsSlabSize, "slab-size", "", "slab size in bytes, e.g. 128Mi (--slab-nlb takes precedence)")
	f.Uint32Var(&mkfsNpools, "pools", 0, "number of pool entries to reserve (0 = use operator default)")
	f.Uint32Var(&mkfsLbNbytes, "lba-size", 512, "device logical block size in bytes")
	f.StringVar(&mkfsMdts, "mdts", "1Mi", "maximum single-request transfer size")
	f.BoolVar(&mkfsZoned, "zoned", false, "treat the device as a zoned block device")
	f.Uint64Var(&mkfsNzsect, "zone-sectors", 0, "sectors per zone (required with --zoned)")
	f.StringVar(&mkfsMdDevice, "md-device", "", "separate device for the metadata region (default: the data device)")
}

func init() {
	addMkfsFlags(mkfsCmd.Flags())
}

func runMkfs(cmd *cobra.Command, args []string) error {
	path := args[0]

	slabNlb := opDefaults.Defaults.SlabNlb
	if mkfsSlabSize != "" {
		nbytes, err := bytefmt.ToBytes(mkfsSlabSize)
		if err != nil {
			return err
		}
		slabNlb = nbytes / uint64(mkfsLbNbytes)
	}
	if mkfsSlabNlb != 0 {
		slabNlb = mkfsSlabNlb
	}

	npools := opDefaults.Defaults.Npools
	if mkfsNpools != 0 {
		npools = mkfsNpools
	}

	mdts, err := bytefmt.ToBytes(mkfsMdts)
	if err != nil {
		return err
	}

	log.Infof("formatting %s: slab size %s, %d pools", path, bytefmt.ByteSize(slabNlb*uint64(mkfsLbNbytes)), npools)

	ctx := context.Background()

	var dev fladev.Device
	if mkfsZoned {
		if mkfsNzsect == 0 {
			return errMkfsZoneSectorsRequired
		}
		dev, err = fladev.OpenZonedFile(path, mkfsLbNbytes, uint32(mdts), mkfsNzsect)
	} else {
		dev, err = fladev.OpenFile(path, mkfsLbNbytes, uint32(mdts))
	}
	if err != nil {
		return err
	}

	var mdDev fladev.Device
	if mkfsMdDevice != "" {
		mdDev, err = fladev.OpenFile(mkfsMdDevice, mkfsLbNbytes, uint32(mdts))
		if err != nil {
			dev.Close()
			return err
		}
	}

	params := flageo.MkfsParams{
		Nlb:      dev.TotalLBA(),
		LbNbytes: mkfsLbNbytes,
		Npools:   npools,
		SlabNlb:  uint32(slabNlb),
		Zoned:    mkfsZoned,
		Nzsect:   mkfsNzsect,
	}

	progress := log.NewProgress("mkfs", "blocks", int64(dev.TotalLBA()))
	fs, err := flafs.Mkfs(ctx, dev, mdDev, params)
	if err != nil {
		progress.Finish(false)
		return err
	}
	progress.Increment(int64(dev.TotalLBA()))
	progress.Finish(true)

	geo := fs.Geo()
	log.Infof("volume ready: %d slabs, %d pools, %s per slab",
		geo.Nslabs, geo.Npools, bytefmt.ByteSize(uint64(geo.SlabNlb)*uint64(geo.LbNbytes)))

	return fs.Close(ctx)
}
