package models

// VariantKind 展示变体类型
type VariantKind string

const (
	VariantThumbnail VariantKind = "thumbnail"
	VariantMedium    VariantKind = "medium"
	VariantOriginal  VariantKind = "original"
)

// VariantKinds 所有变体，按尺寸从小到大
var VariantKinds = []VariantKind{VariantThumbnail, VariantMedium, VariantOriginal}

// VariantMimeType 所有变体统一编码为 JPEG
const VariantMimeType = "image/jpeg"

// VariantURLs 一张图片三个变体的访问地址
type VariantURLs struct {
	Thumbnail string `json:"thumbnailUrl"`
	Medium    string `json:"mediumUrl"`
	Original  string `json:"originalUrl"`
}

// Get 按类型取地址
func (u VariantURLs) Get(kind VariantKind) string {
	switch kind {
	case VariantThumbnail:
		return u.Thumbnail
	case VariantMedium:
		return u.Medium
	case VariantOriginal:
		return u.Original
	default:
		return ""
	}
}
