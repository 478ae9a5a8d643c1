package generator

import (
	"fmt"
	"path"
	"strings"

	"github.com/anoixa/imagestore/database/models"
)

const variantExt = ".jpg"

// PathGenerator 内容寻址的路径生成器
// 同一内容指纹的同一变体永远落在同一路径
type PathGenerator struct{}

// NewPathGenerator 创建路径生成器
func NewPathGenerator() *PathGenerator {
	return &PathGenerator{}
}

// VariantPath 生成变体的存储路径，如 thumbnail/ab/cd/abcd....jpg
func (pg *PathGenerator) VariantPath(fingerprint string, kind models.VariantKind) string {
	return fmt.Sprintf("%s/%s/%s%s", kind, shard(fingerprint), fingerprint, variantExt)
}

// VariantPaths 生成三个变体的存储路径
func (pg *PathGenerator) VariantPaths(fingerprint string) map[models.VariantKind]string {
	paths := make(map[models.VariantKind]string, len(models.VariantKinds))
	for _, kind := range models.VariantKinds {
		paths[kind] = pg.VariantPath(fingerprint, kind)
	}
	return paths
}

// ParseVariantPath 从存储路径解析变体类型和内容指纹
// 支持: original/ab/cd/<fp>.jpg, thumbnail/ab/cd/<fp>.jpg 等格式
func (pg *PathGenerator) ParseVariantPath(storagePath string) (models.VariantKind, string, bool) {
	parts := strings.Split(strings.TrimLeft(storagePath, "/"), "/")
	if len(parts) != 4 {
		return "", "", false
	}

	kind := models.VariantKind(parts[0])
	known := false
	for _, k := range models.VariantKinds {
		if k == kind {
			known = true
			break
		}
	}
	if !known {
		return "", "", false
	}

	base := parts[3]
	if path.Ext(base) != variantExt {
		return "", "", false
	}
	fp := strings.TrimSuffix(base, variantExt)
	if len(fp) < 4 || parts[1] != fp[0:2] || parts[2] != fp[2:4] {
		return "", "", false
	}
	return kind, fp, true
}

// shard 两级目录分散文件
func shard(fingerprint string) string {
	if len(fingerprint) < 4 {
		return "00/00"
	}
	return fingerprint[0:2] + "/" + fingerprint[2:4]
}
