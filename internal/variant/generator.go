// Package variant 生成缩略图、中图和限宽原图三个展示变体
package variant

import (
	"bytes"
	"image"
	"image/color"
	"math"

	"github.com/anoixa/imagestore/config"
	"github.com/anoixa/imagestore/database/models"
	"github.com/anoixa/imagestore/internal/errs"
	"github.com/anoixa/imagestore/utils/fingerprint"
	"github.com/disintegration/imaging"

	_ "golang.org/x/image/webp"
)

// Options 变体参数
type Options struct {
	ThumbnailWidth   int
	MediumWidth      int
	OriginalMaxWidth int
	Quality          int
}

// OptionsFromConfig 从配置读取变体参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ThumbnailWidth:   cfg.VariantThumbnailWidth,
		MediumWidth:      cfg.VariantMediumWidth,
		OriginalMaxWidth: cfg.VariantOriginalMaxWidth,
		Quality:          cfg.VariantJPEGQuality,
	}
}

// widthFor 变体的目标宽度
func (o Options) widthFor(kind models.VariantKind) int {
	switch kind {
	case models.VariantThumbnail:
		return o.ThumbnailWidth
	case models.VariantMedium:
		return o.MediumWidth
	default:
		return o.OriginalMaxWidth
	}
}

// Variant 一个编码后的变体
type Variant struct {
	Kind   models.VariantKind
	Data   []byte
	Width  int
	Height int
}

// Size 字节数
func (v Variant) Size() int64 {
	return int64(len(v.Data))
}

// Set 三个变体
type Set struct {
	Thumbnail Variant
	Medium    Variant
	Original  Variant
}

// All 按尺寸从小到大返回
func (s *Set) All() []Variant {
	return []Variant{s.Thumbnail, s.Medium, s.Original}
}

// Generator 变体生成器，纯计算，可并发使用
type Generator struct {
	opts Options
}

// NewGenerator 创建变体生成器
func NewGenerator(opts Options) *Generator {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 85
	}
	return &Generator{opts: opts}
}

// Options 返回生成参数
func (g *Generator) Options() Options {
	return g.opts
}

// Decode 解码上传字节，按 EXIF 方向自动旋转
func (g *Generator) Decode(data []byte) (image.Image, error) {
	if _, err := fingerprint.CheckDimensions(data); err != nil {
		return nil, errs.InvalidImage(err)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, errs.InvalidImage(err)
	}
	return img, nil
}

// Generate 生成三个变体，相同输入与参数得到相同字节
func (g *Generator) Generate(img image.Image) (*Set, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, errs.UnsupportedFormat("image has empty bounds")
	}

	src := flatten(img)

	thumb, err := g.render(src, models.VariantThumbnail)
	if err != nil {
		return nil, err
	}
	medium, err := g.render(src, models.VariantMedium)
	if err != nil {
		return nil, err
	}
	original, err := g.render(src, models.VariantOriginal)
	if err != nil {
		return nil, err
	}

	return &Set{Thumbnail: thumb, Medium: medium, Original: original}, nil
}

// render 缩放并编码单个变体，不放大
func (g *Generator) render(src image.Image, kind models.VariantKind) (Variant, error) {
	w, h := TargetSize(src.Bounds().Dx(), src.Bounds().Dy(), g.opts.widthFor(kind))

	out := src
	if w != src.Bounds().Dx() || h != src.Bounds().Dy() {
		out = imaging.Resize(src, w, h, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(g.opts.Quality)); err != nil {
		return Variant{}, errs.UnsupportedFormat("encode %s: %v", kind, err)
	}

	return Variant{Kind: kind, Data: buf.Bytes(), Width: w, Height: h}, nil
}

// TargetSize 按目标宽度等比缩放，原图不超过目标宽度时保持原尺寸
func TargetSize(srcW, srcH, targetW int) (int, int) {
	if targetW <= 0 || srcW <= targetW {
		return srcW, srcH
	}
	h := int(math.Round(float64(targetW) * float64(srcH) / float64(srcW)))
	if h < 1 {
		h = 1
	}
	return targetW, h
}

// flatten 透明像素铺到白底上，同时把坐标原点归零
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() && b.Min == image.Pt(0, 0) {
		return img
	}
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
