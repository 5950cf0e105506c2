package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"code.cloudfoundry.org/bytefmt"
	"github.com/sisatech/tablewriter"
	"github.com/spf13/cobra"

	"github.com/flexalloc/flexalloc/pkg/fladev"
	"github.com/flexalloc/flexalloc/pkg/flafs"
)

var (
	inspectZoned    bool
	inspectNzsect   uint64
	inspectMdts     string
	inspectMdDevice string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect DEVICE",
	Short: "open a flexalloc volume read-only and report its geometry and health",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectZoned, "zoned", false, "the device is a zoned block device")
	inspectCmd.Flags().Uint64Var(&inspectNzsect, "zone-sectors", 0, "sectors per zone (required with --zoned)")
	inspectCmd.Flags().StringVar(&inspectMdts, "mdts", "1Mi", "maximum single-request transfer size")
	inspectCmd.Flags().StringVar(&inspectMdDevice, "md-device", "", "separate device holding the metadata region")
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := args[0]

	mdts, err := bytefmt.ToBytes(inspectMdts)
	if err != nil {
		return err
	}

	ctx := context.Background()

	var dev fladev.Device
	if inspectZoned {
		dev, err = fladev.OpenZonedFile(path, 512, uint32(mdts), inspectNzsect)
	} else {
		dev, err = fladev.OpenFile(path, 512, uint32(mdts))
	}
	if err != nil {
		return err
	}

	var mdDev fladev.Device
	if inspectMdDevice != "" {
		mdDev, err = fladev.OpenFile(inspectMdDevice, 512, uint32(mdts))
		if err != nil {
			dev.Close()
			return err
		}
	}

	fs, err := flafs.Open(ctx, dev, mdDev, inspectZoned, inspectNzsect)
	if err != nil {
		if mdDev != nil {
			mdDev.Close()
		}
		dev.Close()
		return err
	}
	defer fs.CloseNoFlush()

	geo := fs.Geo()
	problems := fs.Validate()

	if flagJSON {
		if err := json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"nslabs":   geo.Nslabs,
			"npools":   geo.Npools,
			"slabSize": geo.SlabNlb * geo.LbNbytes,
			"clean":    len(problems) == 0,
			"problems": problems,
		}); err != nil {
			return err
		}
		if len(problems) > 0 {
			os.Exit(1)
		}
		return nil
	}

	rows := [][]string{
		{"field", "value"},
		{"logical block size", fmt.Sprintf("%d", geo.LbNbytes)},
		{"slab size", bytefmt.ByteSize(uint64(geo.SlabNlb) * uint64(geo.LbNbytes))},
		{"slabs", fmt.Sprintf("%d", geo.Nslabs)},
		{"pools", fmt.Sprintf("%d", geo.Npools)},
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	for _, r := range rows[1:] {
		table.Append(r)
	}
	table.Render()

	if len(problems) == 0 {
		log.Infof("volume is consistent")
		return nil
	}
	for _, p := range problems {
		log.Errorf("%s: %s", p.Area, p.Detail)
	}
	os.Exit(1)
	return nil
}
