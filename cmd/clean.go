package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/anoixa/imagestore/internal/app"
	"github.com/anoixa/imagestore/internal/image"
	"github.com/spf13/cobra"
)

// cleanCmd 检查存储与账本的一致性
var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Check storage against the ledger and remove orphan files",
	Long: `Check storage against the ledger.
This includes:
  - Delete variant files whose fingerprint has no active stored image
  - Report active stored images with missing variant files
  - Report stored images referenced by more post images than their reference count`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		filesOnly, _ := cmd.Flags().GetBool("files-only")
		recordsOnly, _ := cmd.Flags().GetBool("records-only")

		opts := image.AuditOptions{
			DryRun:      dryRun,
			SkipFiles:   recordsOnly,
			SkipRecords: filesOnly,
		}
		runWithContainer("Clean", func(ctx context.Context, c *app.Container) error {
			return runClean(ctx, c, opts)
		})
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().Bool("dry-run", false, "Only show what would be cleaned, don't actually delete")
	cleanCmd.Flags().Bool("files-only", false, "Only scan storage files")
	cleanCmd.Flags().Bool("records-only", false, "Only check active ledger records")
	cleanCmd.MarkFlagsMutuallyExclusive("files-only", "records-only")
}

func runClean(ctx context.Context, c *app.Container, opts image.AuditOptions) error {
	report, err := c.Auditor.Run(ctx, opts)
	if report != nil {
		printCleanReport(report, opts.DryRun)
	}
	if err != nil {
		return err
	}
	if len(report.Errors) > 0 {
		return fmt.Errorf("encountered %d errors during cleanup", len(report.Errors))
	}
	return nil
}

// printCleanReport 打印清理统计
func printCleanReport(report *image.AuditReport, dryRun bool) {
	fmt.Println()
	fmt.Println("========================================")
	if dryRun {
		fmt.Println("           [DRY RUN MODE]")
	}
	fmt.Println("         Clean Statistics")
	fmt.Println("========================================")
	fmt.Printf("Storage files scanned:      %d\n", report.ScannedFiles)
	fmt.Printf("Unrecognized files:         %d\n", len(report.UnknownFiles))
	fmt.Printf("Orphan fingerprints:        %d\n", len(report.OrphanFingerprints))
	fmt.Printf("Reaped but not deleted:     %d\n", len(report.StaleFingerprints))
	fmt.Printf("Fingerprints deleted:       %d\n", report.DeletedFingerprints)
	fmt.Printf("Active records checked:     %d\n", report.ScannedRecords)
	fmt.Printf("Records missing variants:   %d\n", len(report.MissingVariants))
	fmt.Printf("Reference count mismatches: %d\n", len(report.ReferenceMismatches))
	fmt.Println("========================================")

	if len(report.MissingVariants) > 0 {
		ids := make([]string, 0, len(report.MissingVariants))
		for id := range report.MissingVariants {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Println("\nMissing variants:")
		for _, id := range ids {
			fmt.Printf("  - %s: %v\n", id, report.MissingVariants[id])
		}
	}

	if len(report.ReferenceMismatches) > 0 {
		fmt.Println("\nReference count mismatches:")
		for _, m := range report.ReferenceMismatches {
			fmt.Printf("  - %s: references=%d attachments=%d\n", m.ID, m.ReferenceCount, m.Attachments)
		}
	}

	if len(report.Errors) > 0 {
		fmt.Println("\nErrors encountered:")
		for _, err := range report.Errors {
			fmt.Printf("  - %s\n", err)
		}
	}
}
