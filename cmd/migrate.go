package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/anoixa/imagestore/database"
	"github.com/anoixa/imagestore/database/models"
	"github.com/anoixa/imagestore/internal/app"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// migrateCmd 数据库迁移命令
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database migration tools",
	Long: `Without a subcommand, apply the schema to the configured database.
Use "migrate run" to copy data from one database to another.`,
	Run: func(cmd *cobra.Command, args []string) {
		runWithContainer("Migrate", func(ctx context.Context, c *app.Container) error {
			log.Printf("Schema is up to date on %s", c.GetDatabaseProvider().Name())
			return nil
		})
	},
}

// migrateRunCmd 执行迁移命令
var migrateRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Copy the ledger and post images between databases",
	Long: `Copy stored images and post images from source to target database.

Examples:
  # Migrate from SQLite to PostgreSQL
  imagestore migrate run --from-sqlite ./data/imagestore.db --to-postgres "host=localhost user=postgres password=secret dbname=imagestore port=5432"

  # Replace rows that already exist in the target
  imagestore migrate run --from-sqlite ./data/imagestore.db --to-postgres "..." --on-conflict=overwrite

  # Stop on conflict
  imagestore migrate run --from-sqlite ./data/imagestore.db --to-postgres "..." --on-conflict=error`,
	Run: func(cmd *cobra.Command, args []string) {
		fromType, _ := cmd.Flags().GetString("from-type")
		toType, _ := cmd.Flags().GetString("to-type")
		fromDSN, _ := cmd.Flags().GetString("from-dsn")
		toDSN, _ := cmd.Flags().GetString("to-dsn")
		fromSQLite, _ := cmd.Flags().GetString("from-sqlite")
		toPostgres, _ := cmd.Flags().GetString("to-postgres")
		skipConfirm, _ := cmd.Flags().GetBool("yes")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		onConflict, _ := cmd.Flags().GetString("on-conflict")

		if fromSQLite != "" {
			fromType, fromDSN = "sqlite", database.SQLiteDSN(fromSQLite)
		}
		if toPostgres != "" {
			toType, toDSN = "postgres", toPostgres
		}

		opts := migrateOptions{
			fromType:    fromType,
			toType:      toType,
			fromDSN:     fromDSN,
			toDSN:       toDSN,
			skipConfirm: skipConfirm,
			batchSize:   batchSize,
			onConflict:  onConflict,
		}
		if err := runMigration(context.Background(), opts); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateRunCmd)

	migrateRunCmd.Flags().String("from-type", "", "Source database type (sqlite, postgres)")
	migrateRunCmd.Flags().String("to-type", "", "Target database type (sqlite, postgres)")
	migrateRunCmd.Flags().String("from-dsn", "", "Source database DSN/connection string")
	migrateRunCmd.Flags().String("to-dsn", "", "Target database DSN/connection string")
	migrateRunCmd.Flags().String("from-sqlite", "", "Source SQLite file path (shortcut)")
	migrateRunCmd.Flags().String("to-postgres", "", "Target PostgreSQL connection string (shortcut)")
	migrateRunCmd.Flags().Bool("yes", false, "Skip confirmation prompt")
	migrateRunCmd.Flags().Int("batch-size", 500, "Batch size for data migration")
	migrateRunCmd.Flags().String("on-conflict", "skip", "Conflict resolution strategy: skip (default), overwrite, error")
}

type migrateOptions struct {
	fromType, toType string
	fromDSN, toDSN   string
	skipConfirm      bool
	batchSize        int
	onConflict       string
}

// migrateStats 迁移统计
type migrateStats struct {
	storedImages int64
	postImages   int64
	skipped      int64
}

// runMigration 执行数据库迁移
func runMigration(ctx context.Context, opts migrateOptions) error {
	switch opts.onConflict {
	case "skip", "overwrite", "error":
	default:
		return fmt.Errorf("invalid on-conflict strategy: %s (must be skip, overwrite, or error)", opts.onConflict)
	}
	if opts.fromType == "" || opts.toType == "" {
		return fmt.Errorf("both --from-type and --to-type are required")
	}
	if opts.fromDSN == "" || opts.toDSN == "" {
		return fmt.Errorf("both --from-dsn and --to-dsn (or shortcuts) are required")
	}
	if opts.fromType == opts.toType && opts.fromDSN == opts.toDSN {
		return fmt.Errorf("source and target databases are the same")
	}
	if opts.batchSize <= 0 {
		opts.batchSize = 500
	}

	log.Printf("Migrating from %s to %s", opts.fromType, opts.toType)
	log.Printf("Source: %s", maskDSN(opts.fromDSN))
	log.Printf("Target: %s", maskDSN(opts.toDSN))
	log.Printf("Conflict strategy: %s", opts.onConflict)

	sourceDB, err := openDatabase(opts.fromType, opts.fromDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to source database: %w", err)
	}
	defer closeDatabase(sourceDB)

	targetDB, err := openDatabase(opts.toType, opts.toDSN)
	if err != nil {
		return fmt.Errorf("failed to connect to target database: %w", err)
	}
	defer closeDatabase(targetDB)

	if !opts.skipConfirm {
		fmt.Println("\nWarning: This will copy all stored images and post images to the target database.")
		fmt.Printf("Conflict resolution strategy: %s\n", opts.onConflict)
		fmt.Print("Do you want to continue? [y/N]: ")
		var response string
		_, _ = fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Migration cancelled.")
			return nil
		}
	}

	stats, err := migrateData(ctx, sourceDB, targetDB, opts.batchSize, opts.onConflict)
	printMigrateStats(stats)
	if err != nil {
		return err
	}

	log.Println("Migration completed successfully!")
	return nil
}

// migrateData 迁移表结构和数据，账本先于帖子图片
func migrateData(ctx context.Context, sourceDB, targetDB *gorm.DB, batchSize int, onConflict string) (*migrateStats, error) {
	stats := &migrateStats{}

	log.Println("Migrating database schema...")
	if err := targetDB.AutoMigrate(database.Models()...); err != nil {
		return stats, fmt.Errorf("failed to migrate schema: %w", err)
	}

	log.Println("Migrating stored images...")
	copied, skipped, err := copyTable[models.StoredImage](ctx, sourceDB, targetDB, batchSize, onConflict)
	stats.storedImages, stats.skipped = copied, skipped
	if err != nil {
		return stats, fmt.Errorf("stored images migration failed: %w", err)
	}

	log.Println("Migrating post images...")
	copied, skipped, err = copyTable[models.PostImage](ctx, sourceDB, targetDB, batchSize, onConflict)
	stats.postImages = copied
	stats.skipped += skipped
	if err != nil {
		return stats, fmt.Errorf("post images migration failed: %w", err)
	}
	return stats, nil
}

// copyTable 按主键分批复制，冲突按策略处理
func copyTable[T any](ctx context.Context, sourceDB, targetDB *gorm.DB, batchSize int, onConflict string) (int64, int64, error) {
	var total int64
	if err := sourceDB.WithContext(ctx).Model(new(T)).Count(&total).Error; err != nil {
		return 0, 0, err
	}

	var copied, skipped int64
	var batch []T
	result := sourceDB.WithContext(ctx).FindInBatches(&batch, batchSize, func(_ *gorm.DB, _ int) error {
		return targetDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			q := tx
			switch onConflict {
			case "skip":
				q = q.Clauses(clause.OnConflict{DoNothing: true})
			case "overwrite":
				q = q.Clauses(clause.OnConflict{UpdateAll: true})
			}
			res := q.Create(&batch)
			if res.Error != nil {
				return res.Error
			}
			copied += res.RowsAffected
			skipped += int64(len(batch)) - res.RowsAffected
			log.Printf("Migrated %d/%d rows...", copied+skipped, total)
			return nil
		})
	})
	return copied, skipped, result.Error
}

// openDatabase 打开数据库连接
func openDatabase(dbType, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch dbType {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	if dbType == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// maskDSN 隐藏敏感信息
func maskDSN(dsn string) string {
	if len(dsn) > 50 {
		return dsn[:50] + "..."
	}
	return dsn
}

// printMigrateStats 打印迁移统计
func printMigrateStats(stats *migrateStats) {
	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("       Migration Statistics")
	fmt.Println("========================================")
	fmt.Printf("Stored images migrated: %d\n", stats.storedImages)
	fmt.Printf("Post images migrated:   %d\n", stats.postImages)
	fmt.Printf("Skipped records:        %d\n", stats.skipped)
	fmt.Println("========================================")
}
