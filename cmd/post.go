package cmd

import (
	"context"
	"fmt"

	"github.com/anoixa/imagestore/database/models"
	"github.com/anoixa/imagestore/internal/app"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// postCmd 帖子图片管理命令
var postCmd = &cobra.Command{
	Use:   "post",
	Short: "Manage the ordered images of a post",
}

var postAttachCmd = &cobra.Command{
	Use:   "attach <post-id> <stored-image-id>",
	Short: "Append a stored image to a post",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runWithContainer("Attach", func(ctx context.Context, c *app.Container) error {
			img, err := c.Ledger.FindByID(ctx, args[1])
			if err != nil {
				return err
			}
			row, err := c.Sequencer.Attach(ctx, args[0], img)
			if err != nil {
				return err
			}
			fmt.Printf("Attached %s at position %d (%s)\n", img.ID, row.Position, row.ID)
			return nil
		})
	},
}

var postDetachCmd = &cobra.Command{
	Use:   "detach <post-image-id>",
	Short: "Remove an image from its post and close the gap",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runWithContainer("Detach", func(ctx context.Context, c *app.Container) error {
			if err := c.Sequencer.Detach(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Detached %s\n", args[0])
			return nil
		})
	},
}

var postReorderCmd = &cobra.Command{
	Use:   "reorder <post-id> <post-image-id>...",
	Short: "Set the order of a post's images",
	Long: `Set the order of a post's images. The ids must be exactly the post's
current images, each listed once.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runWithContainer("Reorder", func(ctx context.Context, c *app.Container) error {
			views, err := c.Sequencer.Reorder(ctx, args[0], args[1:])
			if err != nil {
				return err
			}
			printViews(args[0], views)
			return nil
		})
	},
}

var postListCmd = &cobra.Command{
	Use:   "list <post-id>",
	Short: "List a post's images in order",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runWithContainer("List", func(ctx context.Context, c *app.Container) error {
			views, err := c.Sequencer.List(ctx, args[0])
			if err != nil {
				return err
			}
			printViews(args[0], views)
			return nil
		})
	},
}

var postDeleteCmd = &cobra.Command{
	Use:   "delete <post-id>",
	Short: "Remove all images of a post and release their references",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runWithContainer("Delete", func(ctx context.Context, c *app.Container) error {
			n, err := c.Sequencer.DeletePost(ctx, args[0], nil)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d images from %s\n", n, args[0])
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(postCmd)
	postCmd.AddCommand(postAttachCmd, postDetachCmd, postReorderCmd, postListCmd, postDeleteCmd)
}

func printViews(postID string, views []models.ImageView) {
	fmt.Printf("Post %s: %d images\n", postID, len(views))
	for _, v := range views {
		fmt.Printf("  %d. %s  %dx%d  %s\n", v.Position, v.ID, v.Width, v.Height, humanize.IBytes(uint64(v.FileSizeBytes)))
		fmt.Printf("     thumbnail: %s\n", v.ThumbnailURL)
		fmt.Printf("     medium:    %s\n", v.MediumURL)
		fmt.Printf("     original:  %s\n", v.OriginalURL)
	}
}
