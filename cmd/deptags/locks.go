package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/acheong08/deptags/internal/config"
	"github.com/acheong08/deptags/internal/lock"
)

func newLocksCmd(flags *buildFlags) *cobra.Command {
	locksCmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and clear the lock files of tag builds",
		Long: `A build holds a lock file per package while it creates the package's tags.
A crashed build leaves its locks behind, and later builds skip those packages
until the lock files are removed.`,
	}

	var asJSON bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the lock files currently held",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			locker, err := openLocker(flags)
			if err != nil {
				return err
			}
			entries, err := locker.List()
			if err != nil {
				return err
			}
			if asJSON {
				if entries == nil {
					entries = []lock.Entry{}
				}
				return printJSON(cmd, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No locks held in %s\n", locker.Dir())
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tNAME\tPID\tHOST\tCREATED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.Hash, e.Name, e.PID, e.Host, e.Created.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().BoolVar(&asJSON, "json", false, "Print machine-readable lock list")

	var all bool
	clearCmd := &cobra.Command{
		Use:   "clear [hash...]",
		Short: "Remove stale lock files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("give either lock hashes or --all")
			}

			locker, err := openLocker(flags)
			if err != nil {
				return err
			}

			hashes := args
			if all {
				entries, err := locker.List()
				if err != nil {
					return err
				}
				for _, e := range entries {
					hashes = append(hashes, e.Hash)
				}
			}

			for _, hash := range hashes {
				if err := locker.Remove(hash); err != nil {
					return fmt.Errorf("failed to clear lock %s: %w", hash, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed lock %s\n", hash)
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&all, "all", false, "Remove every lock file")

	locksCmd.AddCommand(listCmd, clearCmd)
	return locksCmd
}

func openLocker(flags *buildFlags) (*lock.Locker, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	return lock.New(cfg.LockDir)
}
