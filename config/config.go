package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 扁平化配置结构体
// 由 Load 或 Default 构造后只读，组件在构造时接收指针，不存在全局单例
type Config struct {
	// 日志配置
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// 数据库配置
	DBType            string `mapstructure:"db_type"`
	DBHost            string `mapstructure:"db_host"`
	DBPort            int    `mapstructure:"db_port"`
	DBUsername        string `mapstructure:"db_username"`
	DBPassword        string `mapstructure:"db_password"`
	DBName            string `mapstructure:"db_name"`
	DBFilePath        string `mapstructure:"db_file_path"`
	DBMaxOpenConns    int    `mapstructure:"db_max_open_conns"`
	DBMaxIdleConns    int    `mapstructure:"db_max_idle_conns"`
	DBConnMaxLifetime int    `mapstructure:"db_conn_max_lifetime"`

	// 存储配置
	StorageType          string        `mapstructure:"storage_type"`
	StoragePublicBaseURL string        `mapstructure:"storage_public_base_url"`
	StorageLocalPath     string        `mapstructure:"storage_local_path"`
	StorageRetryMax      int           `mapstructure:"storage_retry_max"`
	StorageRetryBase     time.Duration `mapstructure:"storage_retry_base"`

	MinioEndpoint        string `mapstructure:"minio_endpoint"`
	MinioAccessKeyID     string `mapstructure:"minio_access_key_id"`
	MinioSecretAccessKey string `mapstructure:"minio_secret_access_key"`
	MinioUseSSL          bool   `mapstructure:"minio_use_ssl"`
	MinioBucketName      string `mapstructure:"minio_bucket_name"`

	WebDAVURL      string        `mapstructure:"webdav_url"`
	WebDAVUsername string        `mapstructure:"webdav_username"`
	WebDAVPassword string        `mapstructure:"webdav_password"`
	WebDAVRootPath string        `mapstructure:"webdav_root_path"`
	WebDAVTimeout  time.Duration `mapstructure:"webdav_timeout"`

	// 缓存配置
	CacheType          string        `mapstructure:"cache_type"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	CacheMaxEntries    int64         `mapstructure:"cache_max_entries"`
	CacheRedisAddr     string        `mapstructure:"cache_redis_addr"`
	CacheRedisPassword string        `mapstructure:"cache_redis_password"`
	CacheRedisDB       int           `mapstructure:"cache_redis_db"`

	// 上传配置
	UploadMaxSizeMB          int      `mapstructure:"upload_max_size_mb"`
	UploadAllowedMimeTypes   []string `mapstructure:"upload_allowed_mime_types"`
	UploadAllowedExtensions  []string `mapstructure:"upload_allowed_extensions"`
	UploadSimilarityDistance int      `mapstructure:"upload_similarity_distance"`
	UploadSimilarityLimit    int      `mapstructure:"upload_similarity_limit"`

	// 变体配置
	VariantThumbnailWidth   int `mapstructure:"variant_thumbnail_width"`
	VariantMediumWidth      int `mapstructure:"variant_medium_width"`
	VariantOriginalMaxWidth int `mapstructure:"variant_original_max_width"`
	VariantJPEGQuality      int `mapstructure:"variant_jpeg_quality"`

	// 帖子配置
	PostMaxImages int `mapstructure:"post_max_images"`

	// 回收配置
	ReapInterval   time.Duration `mapstructure:"reap_interval"`
	ReapBatchSize  int           `mapstructure:"reap_batch_size"`
	ReapDeleteRate float64       `mapstructure:"reap_delete_rate"`

	// Worker 配置
	WorkerCount     int `mapstructure:"worker_count"`
	WorkerQueueSize int `mapstructure:"worker_queue_size"`
}

// Load 加载配置：默认值 -> 配置文件（可选）-> IMAGESTORE_ 前缀环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if strings.HasSuffix(path, ".env") {
			v.SetConfigType("env")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
	}

	v.SetEnvPrefix("imagestore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range v.AllKeys() {
		_ = v.BindEnv(key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回只包含默认值的配置，测试中常用
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not unmarshal: %v", err))
	}
	cfg.normalize()
	return cfg
}

// setDefaults 设置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	// 数据库配置默认值
	v.SetDefault("db_type", "sqlite")
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", 5432)
	v.SetDefault("db_username", "postgres")
	v.SetDefault("db_password", "")
	v.SetDefault("db_name", "imagestore")
	v.SetDefault("db_file_path", "./data/imagestore.db")
	v.SetDefault("db_max_open_conns", 100)
	v.SetDefault("db_max_idle_conns", 25)
	v.SetDefault("db_conn_max_lifetime", 3600)

	// 存储配置默认值
	v.SetDefault("storage_type", "local")
	v.SetDefault("storage_public_base_url", "/files")
	v.SetDefault("storage_local_path", "./data/files")
	v.SetDefault("storage_retry_max", 3)
	v.SetDefault("storage_retry_base", "100ms")
	v.SetDefault("minio_endpoint", "")
	v.SetDefault("minio_use_ssl", false)
	v.SetDefault("minio_bucket_name", "images")
	v.SetDefault("webdav_url", "")
	v.SetDefault("webdav_root_path", "/")
	v.SetDefault("webdav_timeout", "30s")

	// 缓存配置默认值
	v.SetDefault("cache_type", "memory")
	v.SetDefault("cache_ttl", "1h")
	v.SetDefault("cache_max_entries", 100000)
	v.SetDefault("cache_redis_addr", "localhost:6379")
	v.SetDefault("cache_redis_password", "")
	v.SetDefault("cache_redis_db", 0)

	// 上传配置默认值
	v.SetDefault("upload_max_size_mb", 5)
	v.SetDefault("upload_allowed_mime_types", []string{"image/jpeg", "image/png", "image/webp", "image/gif"})
	v.SetDefault("upload_allowed_extensions", []string{".jpg", ".jpeg", ".png", ".webp", ".gif"})
	v.SetDefault("upload_similarity_distance", 10)
	v.SetDefault("upload_similarity_limit", 10)

	// 变体配置默认值
	v.SetDefault("variant_thumbnail_width", 400)
	v.SetDefault("variant_medium_width", 1200)
	v.SetDefault("variant_original_max_width", 2560)
	v.SetDefault("variant_jpeg_quality", 85)

	v.SetDefault("post_max_images", 7)

	// 回收配置默认值
	v.SetDefault("reap_interval", "10m")
	v.SetDefault("reap_batch_size", 100)
	v.SetDefault("reap_delete_rate", 20.0)

	// Worker 配置默认值
	v.SetDefault("worker_count", 0) // 0 表示使用默认值
	v.SetDefault("worker_queue_size", 256)
}

// normalize 处理派生值
func (c *Config) normalize() {
	// WorkerCount: -1 = 使用 CPU 线程数, 0 = 使用默认值 (max(2, CPU核心数)), >0 = 使用指定值
	switch {
	case c.WorkerCount < 0:
		c.WorkerCount = runtime.GOMAXPROCS(0)
	case c.WorkerCount == 0:
		c.WorkerCount = getCpus()
	}

	for i, m := range c.UploadAllowedMimeTypes {
		c.UploadAllowedMimeTypes[i] = strings.ToLower(strings.TrimSpace(m))
	}
	for i, ext := range c.UploadAllowedExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.UploadAllowedExtensions[i] = ext
	}
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	var errs []error

	if c.UploadMaxSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("upload_max_size_mb must be positive, got %d", c.UploadMaxSizeMB))
	}
	if len(c.UploadAllowedMimeTypes) == 0 {
		errs = append(errs, errors.New("upload_allowed_mime_types must not be empty"))
	}
	if c.VariantThumbnailWidth <= 0 || c.VariantMediumWidth <= 0 || c.VariantOriginalMaxWidth <= 0 {
		errs = append(errs, errors.New("variant widths must be positive"))
	}
	if c.VariantJPEGQuality < 1 || c.VariantJPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("variant_jpeg_quality must be within 1..100, got %d", c.VariantJPEGQuality))
	}
	if c.PostMaxImages <= 0 {
		errs = append(errs, fmt.Errorf("post_max_images must be positive, got %d", c.PostMaxImages))
	}
	if c.UploadSimilarityDistance < 0 || c.UploadSimilarityDistance > 64 {
		errs = append(errs, fmt.Errorf("upload_similarity_distance must be within 0..64, got %d", c.UploadSimilarityDistance))
	}
	if c.ReapBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("reap_batch_size must be positive, got %d", c.ReapBatchSize))
	}

	switch c.StorageType {
	case "local", "minio", "webdav":
	default:
		errs = append(errs, fmt.Errorf("unsupported storage_type: %s", c.StorageType))
	}
	switch c.CacheType {
	case "memory", "redis", "none":
	default:
		errs = append(errs, fmt.Errorf("unsupported cache_type: %s", c.CacheType))
	}

	return errors.Join(errs...)
}

// MaxUploadBytes 单文件上传上限（字节）
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.UploadMaxSizeMB) * 1024 * 1024
}

// GetWorkerCount 返回 worker 数量
func (c *Config) GetWorkerCount() int {
	if c.WorkerCount <= 0 {
		return getCpus()
	}
	return c.WorkerCount
}

// getCpus 获取默认线程数量
func getCpus() int {
	n := runtime.GOMAXPROCS(0)
	if n < 2 {
		return 2
	}
	return n
}
