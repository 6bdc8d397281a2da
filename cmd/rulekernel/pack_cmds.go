package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/observability"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/pack"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/registry"
)

func loadPackArg(ctx context.Context, dir string) (*pack.LoadedPack, error) {
	lp, err := pack.LoadPack(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("load pack %s: %w", dir, err)
	}
	return lp, nil
}

func newLintCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lint <pack-dir>",
		Short: "Validate the rule tree of a pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lp, err := loadPackArg(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res := registry.Lint(lp, a.handlers, a.validateOptions()...)
			if a.jsonOut {
				if err := a.printJSON(res); err != nil {
					return err
				}
			} else {
				for _, e := range res.Errors {
					a.printf("  %s: %s", e.Path, e.Error)
					if e.Suggestion != "" {
						a.printf(" (%s)", e.Suggestion)
					}
					a.printf("\n")
				}
				a.printf("%s: valid=%t handlers=%d complexity=%d\n",
					lp.Key(), res.Valid, len(res.HandlersUsed), res.Complexity)
			}
			if !res.Valid {
				a.exit = exitFailed
			}
			return nil
		},
	}
}

func newTestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test <pack-dir>",
		Short: "Run the validation suite of a pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lp, err := loadPackArg(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			res := registry.Test(lp, a.handlers, nil, a.validateOptions()...)
			if a.jsonOut {
				if err := a.printJSON(res); err != nil {
					return err
				}
			} else {
				for _, tc := range res.Results {
					mark := "PASS"
					if !tc.Match {
						mark = "FAIL"
					}
					a.printf("  %s %s: expected %s, got %s\n", mark, tc.TestCaseID, tc.ExpectedStatus, tc.ActualStatus)
				}
				a.printf("%s: %d/%d passed\n", lp.Key(), res.Passed, res.Total)
			}
			if !res.AllPassed {
				a.exit = exitFailed
			}
			return nil
		},
	}
}

func newPublishCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "publish <pack-dir>",
		Short: "Lint, test and publish a pack to the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			lp, err := loadPackArg(ctx, args[0])
			if err != nil {
				return err
			}
			pub, err := a.publisher(ctx)
			if err != nil {
				return err
			}
			res, err := pub.Publish(ctx, lp, dryRun)
			if err != nil {
				return err
			}
			if a.jsonOut {
				if err := a.printJSON(res); err != nil {
					return err
				}
			} else if res.Error != "" {
				a.printf("%s: %s\n", lp.Key(), res.Error)
			} else {
				a.printf("%s: validated cid=%s digest=%s\n", lp.Key(), res.CID, res.ContentDigest)
				if res.Published {
					a.printf("published %s artifact=%s\n", res.PublishID, res.ArtifactHash)
				}
			}
			if !res.Validated {
				a.exit = exitFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and hash without publishing")
	return cmd
}

func newInstallCmd(a *app) *cobra.Command {
	var (
		packsDir     string
		fromRegistry bool
		save         bool
	)
	cmd := &cobra.Command{
		Use:   "install <pack-dir>",
		Short: "Resolve, simulate and lock a pack with its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root, err := loadPackArg(ctx, args[0])
			if err != nil {
				return err
			}
			available := map[string]*pack.LoadedPack{}
			if packsDir != "" {
				if available, err = pack.LoadPackDir(ctx, packsDir); err != nil {
					return err
				}
			}
			if fromRegistry {
				pub, err := a.publisher(ctx)
				if err != nil {
					return err
				}
				published, err := pub.AvailablePacks(ctx, root)
				if err != nil {
					return err
				}
				for name, p := range published {
					if _, local := available[name]; !local {
						available[name] = p
					}
				}
			}

			ctx, finish := a.telemetry.TrackOperation(ctx, "rulekernel.install",
				observability.PackAttrs(root.Manifest.Name, root.Manifest.Version)...)
			plan := pack.CreateInstallPlan(root, pack.InstallOptions{
				AvailablePacks:   available,
				Registry:         a.handlers,
				HandlerVMVersion: a.cfg.Kernel.HandlerVMVersion,
				ValidateOptions:  a.validateOptions(),
				TenantID:         a.cfg.TenantID,
				Logger:           a.log,
			})
			a.telemetry.RecordInstallPlan(ctx, plan.Valid,
				observability.PackAttrs(root.Manifest.Name, root.Manifest.Version)...)

			if plan.Valid && save {
				err = a.saveLock(ctx, plan.Lock)
			}
			finish(err)
			if err != nil {
				return err
			}

			if a.jsonOut {
				if err := a.printJSON(plan); err != nil {
					return err
				}
			} else {
				printPlan(a, root, plan, save)
			}
			if !plan.Valid {
				a.exit = exitFailed
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&packsDir, "packs", "", "directory holding dependency packs")
	f.BoolVar(&fromRegistry, "from-registry", false, "resolve dependencies from the published registry")
	f.BoolVar(&save, "save", false, "persist the lock and supersede the previous one for this root pack")
	return cmd
}

// saveLock supersedes the tenant's active locks for the same root pack and
// stores lock as the new active one.
func (a *app) saveLock(ctx context.Context, lock *contracts.ComplianceLock) error {
	if err := a.openStores(ctx); err != nil {
		return err
	}
	active, err := a.locks.ListLocks(ctx, lock.TenantID)
	if err != nil {
		return err
	}
	if err := a.locks.SaveLock(ctx, lock); err != nil {
		return err
	}
	for _, prev := range active {
		if prev.RootPack.Name != lock.RootPack.Name {
			continue
		}
		if err := a.locks.Supersede(ctx, lock.TenantID, prev.LockID); err != nil {
			return fmt.Errorf("supersede %s: %w", prev.LockID, err)
		}
		a.log.Info("lock superseded", zap.String("lock_id", prev.LockID), zap.String("by", lock.LockID))
	}
	a.log.Info("lock saved",
		zap.String("lock_id", lock.LockID),
		zap.String("tenant_id", lock.TenantID),
		zap.String("root", lock.RootPack.Name+"@"+lock.RootPack.Version))
	return nil
}

func printPlan(a *app, root *pack.LoadedPack, plan *pack.InstallPlan, saved bool) {
	a.printf("install %s: valid=%t\n", root.Key(), plan.Valid)
	for _, key := range plan.ResolvedOrder {
		a.printf("  resolved %s\n", key)
	}
	for _, sr := range plan.SimulationResults {
		if !sr.Simulated {
			a.printf("  %s@%s: no suite\n", sr.PackName, sr.PackVersion)
			continue
		}
		a.printf("  %s@%s: %d/%d passed\n", sr.PackName, sr.PackVersion, sr.Passed, sr.Total)
	}
	for _, e := range plan.Errors {
		a.printf("  error: %s\n", e)
	}
	if plan.Lock != nil {
		state := "not saved"
		if saved {
			state = "saved"
		}
		a.printf("lock %s (%s)\n", plan.Lock.LockID, state)
	}
}
