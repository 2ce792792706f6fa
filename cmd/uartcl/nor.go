package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"zappem.net/pub/debug/xxd"

	"github.com/uartcl/uartcl/internal/nor"
	"github.com/uartcl/uartcl/internal/repair"
)

type patchFlags struct {
	edition      string
	serial       string
	moboSerial   string
	fixChecksums bool
}

var (
	norPatch     patchFlags
	norRepair    patchFlags
	readOut      string
	readRegion   string
	dumpRegion   string
	dumpFrom     string
	historyLimit int
)

var norCmd = &cobra.Command{
	Use:   "nor",
	Short: "Inspect, patch and write NOR images",
}

var norInfoCmd = &cobra.Command{
	Use:   "info [dump]",
	Short: "Show edition, serials and checksums of a dump or of the connected device",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		var img *nor.Image
		fields, err := rt.Profile.DeviceFields()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			layout, err := rt.Profile.Layout()
			if err != nil {
				return err
			}
			if img, err = nor.ReadImageFile(args[0], layout); err != nil {
				return err
			}
		} else {
			dev, release, err := connect(cmd, rt, repair.WithProgress(progressPrinter(cmd.ErrOrStderr())))
			if err != nil {
				return err
			}
			defer release()
			if img, err = dev.Repair.LoadImage(cmd.Context()); err != nil {
				return err
			}
		}

		printInfo(cmd.OutOrStdout(), nor.ScanInfo(img, fields), img.Checksums())

		return nil
	},
}

var norPatchCmd = &cobra.Command{
	Use:   "patch <src> <dst>",
	Short: "Patch identity fields of a dump file without touching the device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		layout, err := rt.Profile.Layout()
		if err != nil {
			return err
		}
		fields, err := rt.Profile.DeviceFields()
		if err != nil {
			return err
		}
		src, err := nor.ReadImageFile(args[0], layout)
		if err != nil {
			return err
		}

		next := src
		var patches []nor.Patch
		req := norPatch.request()
		if !req.Empty() {
			if next, patches, err = repair.PatchImage(src, fields, req); err != nil {
				return err
			}
		} else if !norPatch.fixChecksums {
			return repair.ErrNothingToPatch
		}
		if norPatch.fixChecksums {
			if next, err = next.RefreshChecksums(); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		for _, p := range patches {
			fmt.Fprintln(out, p.String())
		}
		if next.Equal(src) {
			fmt.Fprintln(out, "image already matches the request, nothing written")
			return nil
		}
		if err := nor.WriteImageFile(args[1], next); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", args[1])

		return nil
	},
}

var norReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Read the device flash, or one region of it, into a file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if readOut == "" {
			return errors.New("--out is required")
		}
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		dev, release, err := connect(cmd, rt, repair.WithProgress(progressPrinter(cmd.ErrOrStderr())))
		if err != nil {
			return err
		}
		defer release()

		if readRegion != "" {
			data, err := dev.Repair.ReadRegion(cmd.Context(), readRegion)
			if err != nil {
				return err
			}
			if err := writeFileAtomic(readOut, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes of %s to %s\n", len(data), readRegion, readOut)

			return nil
		}

		img, err := dev.Repair.LoadImage(cmd.Context())
		if err != nil {
			return err
		}
		if err := nor.WriteImageFile(readOut, img); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", img.Size(), readOut)

		return nil
	},
}

var norDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Hex dump one region from a file or from the device",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		layout, err := rt.Profile.Layout()
		if err != nil {
			return err
		}
		region, ok := layout.Region(dumpRegion)
		if !ok {
			return fmt.Errorf("unknown region %q (have %s)", dumpRegion, regionNames(layout))
		}

		var data []byte
		if dumpFrom != "" {
			img, err := nor.ReadImageFile(dumpFrom, layout)
			if err != nil {
				return err
			}
			if data, err = img.RegionBytes(region.Name); err != nil {
				return err
			}
		} else {
			dev, release, err := connect(cmd, rt)
			if err != nil {
				return err
			}
			defer release()
			if data, err = dev.Repair.ReadRegion(cmd.Context(), region.Name); err != nil {
				return err
			}
		}
		xxd.Print(region.Start, data)

		return nil
	},
}

var norCommitCmd = &cobra.Command{
	Use:   "commit <patched-dump>",
	Short: "Write the regions that differ from the device, verifying each one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		layout, err := rt.Profile.Layout()
		if err != nil {
			return err
		}
		next, err := nor.ReadImageFile(args[0], layout)
		if err != nil {
			return err
		}

		dev, release, err := connect(cmd, rt, repair.WithProgress(progressPrinter(cmd.ErrOrStderr())))
		if err != nil {
			return err
		}
		defer release()

		report, err := dev.Repair.Commit(cmd.Context(), next)
		printReport(cmd.OutOrStdout(), report)

		return err
	},
}

var norRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Read the device, patch identity fields and write the result back",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := norRepair.request()
		if req.Empty() {
			return repair.ErrNothingToPatch
		}
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		dev, release, err := connect(cmd, rt, repair.WithProgress(progressPrinter(cmd.ErrOrStderr())))
		if err != nil {
			return err
		}
		defer release()

		patches, report, err := dev.Repair.Repair(cmd.Context(), req)
		out := cmd.OutOrStdout()
		for _, p := range patches {
			fmt.Fprintln(out, p.String())
		}
		printReport(out, report)

		return err
	},
}

var norHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent commits from the repair journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)
		if rt.RepairRepo == nil {
			return errors.New("repair journal is disabled in the config")
		}

		records, err := rt.RepairRepo.ListRecent(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(out, "no repairs recorded")
		}
		for _, rec := range records {
			fmt.Fprintf(out, "#%d %s %-11s %s profile=%s wrote=%d\n",
				rec.ID, rec.StartedAt.Format(time.DateTime), rec.Status, rec.Target, rec.Profile, rec.BytesWritten())
			for _, w := range rec.Writes {
				fmt.Fprintf(out, "    %-12s 0x%06X+0x%X verified=%t\n", w.Region, w.Start, w.Length, w.Verified)
			}
			if rec.Error != "" {
				fmt.Fprintf(out, "    error: %s\n", rec.Error)
			}
		}

		return nil
	},
}

func (f patchFlags) request() repair.PatchRequest {
	return repair.PatchRequest{Edition: f.edition, Serial: f.serial, MoboSerial: f.moboSerial}
}

func bindPatchFlags(cmd *cobra.Command, f *patchFlags) {
	cmd.Flags().StringVar(&f.edition, "edition", "", "target edition (digital, disc, slim)")
	cmd.Flags().StringVar(&f.serial, "serial", "", "console serial number")
	cmd.Flags().StringVar(&f.moboSerial, "mobo-serial", "", "motherboard serial number")
}

func printInfo(w io.Writer, info nor.Info, sums []nor.ChecksumStatus) {
	fmt.Fprintf(w, "edition:        %s\n", info.Edition)
	fmt.Fprintf(w, "console serial: %s\n", info.ConsoleSerial)
	fmt.Fprintf(w, "mobo serial:    %s\n", info.MoboSerial)
	fmt.Fprintf(w, "model:          %s\n", info.Model)
	fmt.Fprintf(w, "wifi mac:       %s\n", info.WiFiMAC)
	fmt.Fprintf(w, "lan mac:        %s\n", info.LANMAC)
	for _, cs := range sums {
		state := "ok"
		if !cs.Valid() {
			state = fmt.Sprintf("BAD (stored 0x%X, computed 0x%X)", cs.Stored, cs.Computed)
		}
		fmt.Fprintf(w, "checksum %-6s %s\n", cs.Region+":", state)
	}
}

func printReport(w io.Writer, report nor.CommitReport) {
	for _, wr := range report.Writes {
		fmt.Fprintf(w, "wrote %-12s 0x%06X+0x%X verified=%t\n", wr.Region, wr.Start, wr.Length, wr.Verified)
	}
	if len(report.Writes) == 0 && len(report.Skipped) > 0 {
		fmt.Fprintln(w, "device already matches the image, nothing written")
	}
	if !report.FinishedAt.IsZero() {
		fmt.Fprintf(w, "%d bytes in %s\n", report.BytesWritten(), report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	}
}

// progressPrinter redraws one status line per phase and region.
func progressPrinter(w io.Writer) nor.ProgressFunc {
	var mu sync.Mutex
	return func(p nor.Progress) {
		mu.Lock()
		defer mu.Unlock()
		pct := 100
		if p.Total > 0 {
			pct = p.Done * 100 / p.Total
		}
		fmt.Fprintf(w, "\r%-6s %-12s %3d%%", p.Phase, p.Region, pct)
		if p.Done >= p.Total {
			fmt.Fprintln(w)
		}
	}
}

func regionNames(layout nor.Layout) string {
	names := make([]string, 0, len(layout.Regions))
	for _, r := range layout.Regions {
		names = append(names, r.Name)
	}

	return strings.Join(names, ", ")
}

func init() {
	bindPatchFlags(norPatchCmd, &norPatch)
	norPatchCmd.Flags().BoolVar(&norPatch.fixChecksums, "fix-checksums", false, "recompute region checksums after patching")
	bindPatchFlags(norRepairCmd, &norRepair)

	norReadCmd.Flags().StringVarP(&readOut, "out", "o", "", "output file")
	norReadCmd.Flags().StringVar(&readRegion, "region", "", "read only this region")
	norDumpCmd.Flags().StringVar(&dumpRegion, "region", "", "region to dump")
	norDumpCmd.Flags().StringVar(&dumpFrom, "from", "", "dump file to read instead of the device")
	_ = norDumpCmd.MarkFlagRequired("region")
	norHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records")

	norCmd.AddCommand(norInfoCmd, norPatchCmd, norReadCmd, norDumpCmd, norCommitCmd, norRepairCmd, norHistoryCmd)
	rootCmd.AddCommand(norCmd)
}

// writeFileAtomic stores a raw region through a temporary file.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}
