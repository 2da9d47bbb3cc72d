package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxverify/internal/app"
	"github.com/drfirst/go-rxverify/internal/domain/medication"
	"github.com/drfirst/go-rxverify/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxverify/internal/normalize"
)

func verifyCmd(flags *globalFlags) *cobra.Command {
	var (
		dosage    string
		imagePath string
		box       string
	)
	cmd := &cobra.Command{
		Use:   "verify <name>",
		Short: "Verify a single medication name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			med := medication.Medicine{Name: args[0], Dosage: dosage}
			if box != "" {
				bb, err := parseBox(box)
				if err != nil {
					return err
				}
				med.Coordinates = &bb
			}
			var image string
			if imagePath != "" {
				raw, err := os.ReadFile(imagePath)
				if err != nil {
					return fmt.Errorf("read image: %w", err)
				}
				image = base64.StdEncoding.EncodeToString(raw)
			}

			return withApp(cmd, flags, app.Options{}, func(ctx context.Context, a *app.App) error {
				result := a.Verifier.Verify(ctx, med, image)
				return printJSON(cmd.OutOrStdout(), med.WithVerification(result))
			})
		},
	}
	cmd.Flags().StringVar(&dosage, "dosage", "", "transcribed strength, e.g. 500mg")
	cmd.Flags().StringVar(&imagePath, "image", "", "prescription image for the optical re-read")
	cmd.Flags().StringVar(&box, "box", "", "line location as ymin,xmin,ymax,xmax in 0-1000 space")
	return cmd
}

// parseBox reads "ymin,xmin,ymax,xmax"
func parseBox(s string) (medication.BoundingBox, error) {
	var bb medication.BoundingBox
	parts := strings.Split(s, ",")
	if len(parts) != len(bb) {
		return bb, fmt.Errorf("box needs 4 comma-separated values, got %d", len(parts))
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return bb, fmt.Errorf("box value %q: %w", p, err)
		}
		bb[i] = v
	}
	if !bb.Valid() {
		return bb, fmt.Errorf("box %v is outside image space", bb)
	}
	return bb, nil
}

func normalizeCmd() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "normalize <name>",
		Short: "Print the lookup key for a transcribed name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl := normalize.ParseLevel(level)
			key := normalize.Normalize(args[0], lvl)
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"normalized": key,
				"level":      lvl,
				"canVerify":  normalize.CanVerify(key),
			})
		},
	}
	cmd.Flags().StringVar(&level, "level", string(normalize.Strict), "strict or relaxed")
	return cmd
}

func interactionsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "interactions <rxcui> <rxcui>...",
		Short: "List known interactions between concepts",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, app.Options{}, func(ctx context.Context, a *app.App) error {
				return printJSON(cmd.OutOrStdout(), a.RxNorm.GetInteractions(ctx, args))
			})
		},
	}
}

func cacheCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the verification cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete expired verdicts now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, app.Options{}, func(ctx context.Context, a *app.App) error {
				n, err := a.Janitor.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired records\n", n)
				return nil
			})
		},
	})
	return cmd
}

func topicsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage bus topics",
	}

	withAdmin := func(cmd *cobra.Command, fn func(ctx context.Context, admin *redpanda.Admin) error) error {
		cfg, logger, err := bootstrap(flags)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
		if err != nil {
			return err
		}
		defer admin.Close()
		return fn(cmd.Context(), admin)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create any missing topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				return admin.EnsureTopics(ctx)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics on the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				topics, err := admin.ListTopics(ctx)
				if err != nil {
					return err
				}
				sort.Strings(topics)
				for _, t := range topics {
					fmt.Fprintln(cmd.OutOrStdout(), t)
				}
				return nil
			})
		},
	})

	var group string
	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, admin *redpanda.Admin) error {
				if group == "" {
					group = redpanda.DefaultConsumerConfig().GroupID
				}
				lag, err := admin.GetConsumerGroupLag(ctx, group)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), lag)
			})
		},
	}
	lagCmd.Flags().StringVar(&group, "group", "", "consumer group (default the worker group)")
	cmd.AddCommand(lagCmd)

	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
