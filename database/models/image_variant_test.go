package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVariantURLsGet(t *testing.T) {
	urls := VariantURLs{Thumbnail: "t", Medium: "m", Original: "o"}

	tests := []struct {
		kind   VariantKind
		expect string
	}{
		{VariantThumbnail, "t"},
		{VariantMedium, "m"},
		{VariantOriginal, "o"},
		{VariantKind("webp"), ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.expect, urls.Get(tt.kind))
		})
	}
}

func TestVariantKindsOrder(t *testing.T) {
	assert.Equal(t, []VariantKind{VariantThumbnail, VariantMedium, VariantOriginal}, VariantKinds)
}

func TestStoredImageReapable(t *testing.T) {
	tests := []struct {
		name   string
		img    StoredImage
		expect bool
	}{
		{"active unreferenced", StoredImage{IsActive: true, ReferenceCount: 0}, true},
		{"active referenced", StoredImage{IsActive: true, ReferenceCount: 2}, false},
		{"inactive", StoredImage{IsActive: false, ReferenceCount: 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.img.Reapable())
		})
	}
}

func TestStoredImageBeforeCreateKeepsID(t *testing.T) {
	img := &StoredImage{ID: "fixed"}
	assert.NoError(t, img.BeforeCreate(nil))
	assert.Equal(t, "fixed", img.ID)

	fresh := &StoredImage{}
	assert.NoError(t, fresh.BeforeCreate(nil))
	assert.Len(t, fresh.ID, 36)
}
