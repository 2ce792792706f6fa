package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/uartcl/uartcl/internal/errcode"
)

var lookupRefresh bool

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Bootloader error code database",
}

var dbLookupCmd = &cobra.Command{
	Use:   "lookup <code>...",
	Short: "Translate status codes such as 0x80020001",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		codes := make([]uint32, 0, len(args))
		for _, arg := range args {
			code, err := errcode.ParseCode(arg)
			if err != nil {
				return err
			}
			codes = append(codes, code)
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		out := cmd.OutOrStdout()
		for _, code := range codes {
			if lookupRefresh {
				fresh, err := rt.Translator.Refresh(cmd.Context(), code)
				if err == nil {
					fmt.Fprintln(out, formatEntry(fresh))
					continue
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "refresh %s: %v\n", errcode.FormatCode(code), err)
			}
			fmt.Fprintln(out, formatEntry(rt.Translator.Translate(cmd.Context(), code)))
		}

		return nil
	},
}

var dbSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download the full error code catalog into the offline cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer closeRuntime(rt)

		res, err := rt.NewSyncer().SyncNow(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d codes downloaded, %d new or changed, %d cached in %s (%s)\n",
			res.Downloaded, res.Changed, rt.CodeStore.Len(), rt.CodeStore.Path(), res.Duration.Round(time.Millisecond))

		return nil
	},
}

func formatEntry(e errcode.Entry) string {
	line := fmt.Sprintf("%s  %-8s %s  (%s", errcode.FormatCode(e.Code), e.Severity, e.Description, e.Source)
	if !e.FetchedAt.IsZero() {
		line += ", fetched " + e.FetchedAt.Format(time.DateOnly)
	}

	return line + ")"
}

func init() {
	dbLookupCmd.Flags().BoolVar(&lookupRefresh, "refresh", false, "re-query the online service even when the code is cached")
	dbCmd.AddCommand(dbLookupCmd)
	dbCmd.AddCommand(dbSyncCmd)
	rootCmd.AddCommand(dbCmd)
}
