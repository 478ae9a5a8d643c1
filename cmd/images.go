package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/anoixa/imagestore/database/models"
	"github.com/anoixa/imagestore/internal/app"
	"github.com/anoixa/imagestore/internal/image"
	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"
)

// ingestCmd 上传本地图片
var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest image files into the store",
	Long: `Ingest one or more image files. Identical content is stored once and
its reference count is incremented.

Examples:
  imagestore ingest --user u1 photo.jpg
  imagestore ingest --user u1 --context post --post p42 a.jpg b.png`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		userID, _ := cmd.Flags().GetString("user")
		uploadContext, _ := cmd.Flags().GetString("context")
		postID, _ := cmd.Flags().GetString("post")

		runWithContainer("Ingest", func(ctx context.Context, c *app.Container) error {
			return runIngest(ctx, c, args, userID, uploadContext, postID)
		})
	},
}

// checkCmd 上传前的重复检查
var checkCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Check a file for exact and similar duplicates without storing it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runWithContainer("Check", func(ctx context.Context, c *app.Container) error {
			return runCheck(ctx, c, args[0])
		})
	},
}

// releaseCmd 释放一次引用
var releaseCmd = &cobra.Command{
	Use:   "release <stored-image-id>",
	Short: "Release one reference to a stored image",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runWithContainer("Release", func(ctx context.Context, c *app.Container) error {
			count, err := c.Uploads.Release(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s references: %d\n", args[0], count)
			return nil
		})
	},
}

// reapCmd 执行一次回收
var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Run one reap pass over unreferenced images",
	Run: func(cmd *cobra.Command, args []string) {
		runWithContainer("Reap", func(ctx context.Context, c *app.Container) error {
			n, err := c.Reaper.Reap(ctx)
			fmt.Printf("Reaped %d stored images\n", n)
			return err
		})
	},
}

// statsCmd 账本统计
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger statistics",
	Run: func(cmd *cobra.Command, args []string) {
		runWithContainer("Stats", func(ctx context.Context, c *app.Container) error {
			stats, err := c.Ledger.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Println("========================================")
			fmt.Println("         Ledger Statistics")
			fmt.Println("========================================")
			fmt.Printf("Stored images:     %d\n", stats.Total)
			fmt.Printf("Active:            %d\n", stats.Active)
			fmt.Printf("Inactive:          %d\n", stats.Inactive)
			fmt.Printf("Awaiting reap:     %d\n", stats.Reapable)
			fmt.Printf("References:        %d\n", stats.References)
			fmt.Println("========================================")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd, checkCmd, releaseCmd, reapCmd, statsCmd)

	ingestCmd.Flags().String("user", "", "Uploader id (required)")
	ingestCmd.Flags().String("context", string(models.UploadContextPost), "Upload context: profile, post or other")
	ingestCmd.Flags().String("post", "", "Attach the ingested images to this post, in argument order")
	_ = ingestCmd.MarkFlagRequired("user")
}

// readImageFile 读取文件并探测 MIME 类型
func readImageFile(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return data, mimetype.Detect(data).String(), nil
}

func runIngest(ctx context.Context, c *app.Container, paths []string, userID, rawContext, postID string) error {
	uploadContext, err := models.ParseUploadContext(rawContext)
	if err != nil {
		return err
	}

	reqs := make([]image.IngestRequest, 0, len(paths))
	for _, path := range paths {
		data, mimeType, err := readImageFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		reqs = append(reqs, image.IngestRequest{
			Data:     data,
			Filename: filepath.Base(path),
			MimeType: mimeType,
			Context:  uploadContext,
			UserID:   userID,
		})
	}

	results, err := c.Uploads.IngestBatch(ctx, reqs)
	if err != nil {
		return err
	}

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("FAIL  %s: %v\n", r.Filename, r.Err)
			continue
		}

		img := r.Result.StoredImage
		status := "NEW "
		if r.Result.IsDuplicate {
			status = "DUP "
		}
		fmt.Printf("%s  %s  id=%s  %dx%d  %s  refs=%d\n",
			status, r.Filename, img.ID, img.Width, img.Height,
			humanize.IBytes(uint64(img.FileSizeBytes)), img.ReferenceCount)
		fmt.Printf("      %s\n", r.Result.URLs.Original)

		if postID == "" {
			continue
		}
		row, err := c.Sequencer.AttachUploaded(ctx, postID, r.Result)
		if err != nil {
			failed++
			fmt.Printf("FAIL  attach %s to %s: %v\n", r.Filename, postID, err)
			continue
		}
		fmt.Printf("      attached to %s at position %d (%s)\n", postID, row.Position, row.ID)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(results))
	}
	return nil
}

func runCheck(ctx context.Context, c *app.Container, path string) error {
	data, _, err := readImageFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	check, err := c.Uploads.CheckDuplicate(ctx, data)
	if err != nil {
		return err
	}

	if check.HasExactDuplicate {
		fmt.Printf("Exact duplicate: %s (refs=%d)\n", check.Exact.ID, check.Exact.ReferenceCount)
	} else {
		fmt.Println("No exact duplicate")
	}
	if !check.HasSimilarImages {
		fmt.Println("No similar images")
		return nil
	}
	fmt.Println("Similar images:")
	for _, cand := range check.Candidates {
		fmt.Printf("  %s  distance=%d  %dx%d  %s\n",
			cand.Image.ID, cand.Distance, cand.Image.Width, cand.Image.Height, cand.Image.OriginalFilename)
	}
	return nil
}
