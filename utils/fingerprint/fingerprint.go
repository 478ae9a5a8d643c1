// Package fingerprint 计算图片的内容指纹和感知指纹
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"math/bits"
	"strconv"

	"github.com/disintegration/imaging"

	_ "golang.org/x/image/webp"
)

const (
	// ContentLength 内容指纹长度（十六进制字符）
	ContentLength = 64
	// PerceptualLength 感知指纹长度（十六进制字符）
	PerceptualLength = 16

	// MaxDecodePixels 解码前允许的最大像素数，按文件头声明的尺寸判断
	MaxDecodePixels = 80 * 1000 * 1000

	dHashWidth  = 9
	dHashHeight = 8
)

// Fingerprints 一次上传的两种指纹
type Fingerprints struct {
	Content    string
	Perceptual *string
}

// Compute 计算内容指纹与感知指纹
// 无法解码或尺寸超过 MaxDecodePixels 时感知指纹为 nil
func Compute(data []byte) Fingerprints {
	fp := Fingerprints{Content: ContentFingerprint(data)}

	if _, err := CheckDimensions(data); err != nil {
		return fp
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return fp
	}
	if p, err := PerceptualFingerprint(img); err == nil {
		fp.Perceptual = &p
	}
	return fp
}

// CheckDimensions 只读文件头，尺寸非法或超过 MaxDecodePixels 时返回错误
func CheckDimensions(data []byte) (image.Config, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return cfg, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return cfg, fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxDecodePixels {
		return cfg, fmt.Errorf("image too large: %dx%d", cfg.Width, cfg.Height)
	}
	return cfg, nil
}

// ContentFingerprint 原始字节的 SHA-256，小写十六进制
func ContentFingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PerceptualFingerprint 差值哈希：灰度缩放到 9x8，相邻像素比较得到 64 位
func PerceptualFingerprint(img image.Image) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", fmt.Errorf("empty image")
	}

	small := imaging.Grayscale(imaging.Resize(img, dHashWidth, dHashHeight, imaging.Lanczos))

	var hash uint64
	for y := 0; y < dHashHeight; y++ {
		for x := 0; x < dHashWidth-1; x++ {
			hash <<= 1
			if luma(small, x, y) > luma(small, x+1, y) {
				hash |= 1
			}
		}
	}
	return fmt.Sprintf("%016x", hash), nil
}

// luma 灰度图中 R=G=B，直接取 R 通道
func luma(img *image.NRGBA, x, y int) uint8 {
	return img.Pix[img.PixOffset(x, y)]
}

// HammingDistance 两个感知指纹之间不同的位数
func HammingDistance(a, b string) (int, error) {
	x, err := parse(a)
	if err != nil {
		return 0, err
	}
	y, err := parse(b)
	if err != nil {
		return 0, err
	}
	return bits.OnesCount64(x ^ y), nil
}

func parse(fp string) (uint64, error) {
	if len(fp) != PerceptualLength {
		return 0, fmt.Errorf("perceptual fingerprint must be %d hex chars, got %d", PerceptualLength, len(fp))
	}
	v, err := strconv.ParseUint(fp, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid perceptual fingerprint %q: %w", fp, err)
	}
	return v, nil
}
