package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm/rulekernel/pkg/contracts"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/evaluation"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/kernelvm"
	"github.com/Mindburn-Labs/helm/rulekernel/pkg/pack"
)

// loadRule reads a rule from an AST JSON file or from the logic root of a
// pack directory.
func loadRule(ctx context.Context, path string) (contracts.ASTNode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return contracts.ASTNode{}, err
	}
	if info.IsDir() {
		lp, err := pack.LoadPack(ctx, path)
		if err != nil {
			return contracts.ASTNode{}, fmt.Errorf("load pack %s: %w", path, err)
		}
		if lp.Rule == nil {
			return contracts.ASTNode{}, fmt.Errorf("pack %s has no logic_root", lp.Key())
		}
		return *lp.Rule, nil
	}
	var node contracts.ASTNode
	if err := readJSON(path, &node); err != nil {
		return contracts.ASTNode{}, err
	}
	return node, nil
}

// dirDataSource serves data_key roots from <dir>/<key>.json.
func dirDataSource(dir string) evaluation.DataSource {
	return evaluation.DataSourceFunc(func(_ context.Context, _ *contracts.EvaluationContext, keys []string) (map[string]any, error) {
		out := make(map[string]any, len(keys))
		for _, key := range keys {
			if !fs.ValidPath(key) {
				continue
			}
			var v any
			err := readJSON(filepath.Join(dir, key+".json"), &v)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil
	})
}

type evalFlags struct {
	rule       string
	entity     string
	entities   string
	data       string
	dataDir    string
	entityType string
	entityID   string
	vertical   string
	market     string
	lock       string
	at         string
}

func (f *evalFlags) baseContext() (contracts.EvaluationContext, error) {
	ectx := contracts.EvaluationContext{
		EntityType:       f.entityType,
		EntityID:         f.entityID,
		EntityData:       map[string]any{},
		Data:             map[string]any{},
		ComplianceLockID: f.lock,
		VerticalID:       f.vertical,
		Market:           f.market,
	}
	if f.data != "" {
		if err := readJSON(f.data, &ectx.Data); err != nil {
			return ectx, err
		}
	}
	if f.at != "" {
		ts, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return ectx, usageError{fmt.Errorf("--at: %w", err)}
		}
		ectx.Timestamp = ts.UTC()
	}
	return ectx, nil
}

func newEvalCmd(a *app) *cobra.Command {
	var f evalFlags
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate a rule against one entity or a batch of entities",
		Long: "Evaluate a rule. Exit status is 0 when every entity is compliant, " +
			"1 when any is non_compliant and 3 when any evaluation faulted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (f.entity == "") == (f.entities == "") {
				return usageError{errors.New("exactly one of --entity or --entities is required")}
			}
			ctx := cmd.Context()
			rule, err := loadRule(ctx, f.rule)
			if err != nil {
				return err
			}
			base, err := f.baseContext()
			if err != nil {
				return err
			}

			opts := evaluation.Options{
				Registry:      a.handlers,
				Telemetry:     a.telemetry,
				Logger:        a.log,
				Timeout:       a.cfg.Kernel.Timeout(),
				Concurrency:   a.cfg.Evaluation.Concurrency,
				RatePerSecond: a.cfg.Evaluation.RatePerSecond,
				Burst:         a.cfg.Evaluation.Burst,
			}
			if f.dataDir != "" {
				opts.Data = dirDataSource(f.dataDir)
			}
			if f.lock != "" {
				if err := a.openStores(ctx); err != nil {
					return err
				}
				opts.Locks = a.locks
			}
			svc, err := evaluation.NewService(opts)
			if err != nil {
				return err
			}

			var reqs []evaluation.Request
			if f.entity != "" {
				ectx := base
				if err := readJSON(f.entity, &ectx.EntityData); err != nil {
					return err
				}
				reqs = append(reqs, evaluation.Request{TenantID: a.cfg.TenantID, Rule: rule, Context: ectx})
			} else {
				var records []kernelvm.EntityRecord
				if err := readJSON(f.entities, &records); err != nil {
					return err
				}
				for _, rec := range records {
					ectx := base
					ectx.EntityData = rec.Data
					ectx.EntityID = rec.EntityID
					if rec.EntityType != "" {
						ectx.EntityType = rec.EntityType
					}
					reqs = append(reqs, evaluation.Request{TenantID: a.cfg.TenantID, Rule: rule, Context: ectx})
				}
			}

			outcomes, err := svc.EvaluateBatch(ctx, reqs)
			if err != nil {
				return err
			}
			if a.jsonOut {
				var v any = outcomes
				if f.entity != "" {
					v = outcomes[0]
				}
				if err := a.printJSON(v); err != nil {
					return err
				}
			} else {
				for _, out := range outcomes {
					printOutcome(a, out)
				}
			}
			a.exit = exitForOutcomes(outcomes)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.rule, "rule", "", "rule AST file or pack directory")
	fl.StringVar(&f.entity, "entity", "", "JSON file with the entity data")
	fl.StringVar(&f.entities, "entities", "", "JSON file with an array of {entity_id, entity_type, data}")
	fl.StringVar(&f.data, "data", "", "JSON file with shared reference data")
	fl.StringVar(&f.dataDir, "data-dir", "", "directory of <key>.json files for data_key lookups")
	fl.StringVar(&f.entityType, "entity-type", "", "entity type")
	fl.StringVar(&f.entityID, "entity-id", "", "entity id")
	fl.StringVar(&f.vertical, "vertical", "", "vertical id")
	fl.StringVar(&f.market, "market", "", "market")
	fl.StringVar(&f.lock, "lock", "", "compliance lock id; must be active when set")
	fl.StringVar(&f.at, "at", "", "evaluation timestamp (RFC 3339); defaults to now")
	_ = cmd.MarkFlagRequired("rule")
	return cmd
}

func exitForOutcomes(outs []*evaluation.Outcome) int {
	code := exitOK
	for _, out := range outs {
		switch out.Status {
		case contracts.StatusError:
			return exitRuntime
		case contracts.StatusNonCompliant:
			code = exitFailed
		}
	}
	return code
}

func printOutcome(a *app, out *evaluation.Outcome) {
	id := out.EntityID
	if id == "" {
		id = "-"
	}
	a.printf("%s: %s", id, out.Status)
	if out.Result.Explanation.Summary != "" {
		a.printf(" (%s)", out.Result.Explanation.Summary)
	}
	if out.Error != "" {
		a.printf(" error at %s: %s", out.Result.Trace.ExecutionPath, out.Error)
	}
	a.printf("\n")
}

func newDiffCmd(a *app) *cobra.Command {
	var (
		oldPath, newPath, entities, data, vertical string
	)
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Report which entities change status between two versions of a rule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			newRule, err := loadRule(ctx, newPath)
			if err != nil {
				return err
			}
			in := kernelvm.PortfolioDiffInput{
				NewRule:    newRule,
				Registry:   a.handlers,
				VerticalID: vertical,
				Options:    []kernelvm.Option{kernelvm.WithTimeout(a.cfg.Kernel.Timeout()), kernelvm.WithContext(ctx)},
			}
			if oldPath != "" {
				oldRule, err := loadRule(ctx, oldPath)
				if err != nil {
					return err
				}
				in.OldRule = &oldRule
			}
			if err := readJSON(entities, &in.Entities); err != nil {
				return err
			}
			if data != "" {
				if err := readJSON(data, &in.Data); err != nil {
					return err
				}
			}

			res := kernelvm.PortfolioDiff(in)
			if a.jsonOut {
				return a.printJSON(res)
			}
			a.printf("evaluated %d entities\n", res.TotalEvaluated)
			for _, c := range res.StatusChanges {
				a.printf("  %s (%s): %s -> %s\n", c.EntityID, c.EntityType, c.OldStatus, c.NewStatus)
			}
			if in.OldRule == nil {
				a.printf("new rule: %d evaluations\n", res.NewEvaluations)
			} else {
				a.printf("changed=%d unchanged_compliant=%d unchanged_non_compliant=%d\n",
					len(res.StatusChanges), res.UnchangedCompliant, res.UnchangedNonCompliant)
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&oldPath, "old", "", "current rule (file or pack dir); omit for a new rule")
	fl.StringVar(&newPath, "new", "", "proposed rule (file or pack dir)")
	fl.StringVar(&entities, "entities", "", "JSON file with an array of {entity_id, entity_type, data}")
	fl.StringVar(&data, "data", "", "JSON file with shared reference data")
	fl.StringVar(&vertical, "vertical", "", "vertical id")
	_ = cmd.MarkFlagRequired("new")
	_ = cmd.MarkFlagRequired("entities")
	return cmd
}

func newHandlersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "handlers",
		Short: "List the built-in handler catalog",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			list := a.handlers.List()
			if a.jsonOut {
				return a.printJSON(list)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tVERSION\tCATEGORY\tDESCRIPTION")
			for _, h := range list {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.ID, h.Version, h.Category, h.Description)
			}
			return tw.Flush()
		},
	}
}
