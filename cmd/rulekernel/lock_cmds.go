package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/store"
)

func newLockCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect compliance locks",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show <lock-id>",
			Short: "Print a lock of any status",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				if err := a.openStores(ctx); err != nil {
					return err
				}
				lock, err := a.locks.GetLock(ctx, a.cfg.TenantID, args[0])
				if err != nil {
					return err
				}
				if a.jsonOut {
					return a.printJSON(lock)
				}
				printLock(a, lock)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List the tenant's active locks, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx := cmd.Context()
				if err := a.openStores(ctx); err != nil {
					return err
				}
				locks, err := a.locks.ListLocks(ctx, a.cfg.TenantID)
				if err != nil {
					return err
				}
				if a.jsonOut {
					if locks == nil {
						locks = []*contracts.ComplianceLock{}
					}
					return a.printJSON(locks)
				}
				tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "LOCK\tROOT\tPACKS\tCREATED")
				for _, l := range locks {
					_, _ = fmt.Fprintf(tw, "%s\t%s@%s\t%d\t%s\n",
						l.LockID, l.RootPack.Name, l.RootPack.Version, len(l.Packs), l.Timestamp.Format("2006-01-02T15:04:05Z"))
				}
				return tw.Flush()
			},
		},
	)
	return cmd
}

func printLock(a *app, l *contracts.ComplianceLock) {
	a.printf("lock %s (%s)\n", l.LockID, l.Status)
	a.printf("  tenant:     %s\n", l.TenantID)
	a.printf("  created:    %s\n", l.Timestamp.Format("2006-01-02T15:04:05Z"))
	a.printf("  handler vm: %s\n", l.HandlerVMExact)
	a.printf("  root:       %s@%s %s\n", l.RootPack.Name, l.RootPack.Version, l.RootPack.CID)
	names := make([]string, 0, len(l.Packs))
	for name := range l.Packs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := l.Packs[name]
		a.printf("  pack %s@%s %s\n", name, p.Version, p.CID)
	}
}

func newSearchCmd(a *app) *cobra.Command {
	var q store.SearchQuery
	var packType string
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search published packs by type and vertical",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := a.openStores(ctx); err != nil {
				return err
			}
			q.Type = contracts.PackType(packType)
			found, err := a.index.Search(ctx, q)
			if err != nil {
				return err
			}
			if a.jsonOut {
				if found == nil {
					found = []*store.PublishedPack{}
				}
				return a.printJSON(found)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "PACK\tVERSION\tTYPE\tCID")
			for _, p := range found {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Manifest.Name, p.Manifest.Version, p.Manifest.Type, p.CID)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&packType, "type", "", "pack type (logic, environment, driver, intelligence)")
	cmd.Flags().StringVar(&q.Vertical, "vertical", "", "vertical id in the pack scope")
	return cmd
}
