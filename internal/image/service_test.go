package image

import (
	"bytes"
	"context"
	"image/color"
	"sync"
	"testing"

	"github.com/anoixa/imagestore/config"
	"github.com/anoixa/imagestore/database/models"
	"github.com/anoixa/imagestore/database/repo/images"
	"github.com/anoixa/imagestore/internal/errs"
	"github.com/anoixa/imagestore/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var red = color.NRGBA{R: 255, A: 255}

func TestIngest_IdenticalUploadsDeduplicate(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	data := solidJPEG(t, 100, 100, red)

	first, err := f.service.Ingest(ctx, jpegRequest(data))
	require.NoError(t, err)
	assert.False(t, first.IsDuplicate)
	assert.Equal(t, 1, first.StoredImage.ReferenceCount)
	assert.Len(t, f.files(t), 3)

	second, err := f.service.Ingest(ctx, jpegRequest(data))
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.StoredImage.ID, second.StoredImage.ID)
	assert.Equal(t, 2, second.StoredImage.ReferenceCount)
	assert.Equal(t, first.URLs, second.URLs)
	assert.Len(t, f.files(t), 3)

	stored, err := f.ledger.FindByID(ctx, first.StoredImage.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ReferenceCount)
	assert.Equal(t, models.VariantMimeType, stored.MimeType)
	assert.Equal(t, "user-1", stored.FirstUploaderID)
	assert.Equal(t, models.UploadContextPost, stored.UploadContext)
	assert.NotNil(t, stored.PerceptualFingerprint)
}

func TestIngest_URLsAreContentAddressed(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	res, err := f.service.Ingest(context.Background(), jpegRequest(solidJPEG(t, 50, 40, red)))
	require.NoError(t, err)

	fp := res.StoredImage.ContentFingerprint
	assert.Equal(t, "https://cdn.example.com/files/thumbnail/"+fp[:2]+"/"+fp[2:4]+"/"+fp+".jpg", res.URLs.Thumbnail)
	assert.Equal(t, "https://cdn.example.com/files/medium/"+fp[:2]+"/"+fp[2:4]+"/"+fp+".jpg", res.URLs.Medium)
	assert.Equal(t, "https://cdn.example.com/files/original/"+fp[:2]+"/"+fp[2:4]+"/"+fp+".jpg", res.URLs.Original)
	assert.Equal(t, f.store.Path(fp, models.VariantOriginal), res.StoredImage.StoragePath)
}

func TestIngest_VariantDimensions(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	res, err := f.service.Ingest(context.Background(), jpegRequest(solidJPEG(t, 800, 600, red)))
	require.NoError(t, err)

	fp := res.StoredImage.ContentFingerprint
	w, h := f.variantSize(t, fp, models.VariantThumbnail)
	assert.Equal(t, 400, w)
	assert.Equal(t, 300, h)

	w, h = f.variantSize(t, fp, models.VariantMedium)
	assert.Equal(t, 800, w)
	assert.Equal(t, 600, h)

	assert.Equal(t, 800, res.StoredImage.Width)
	assert.Equal(t, 600, res.StoredImage.Height)
	assert.Positive(t, res.StoredImage.FileSizeBytes)
}

func TestIngest_ValidationLeavesNoState(t *testing.T) {
	f := newFixture(t, fixtureOptions{mutate: func(cfg *config.Config) { cfg.UploadMaxSizeMB = 1 }})
	ctx := context.Background()
	valid := solidJPEG(t, 10, 10, red)

	oversized := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0}, 1024*1024)...)

	tests := []struct {
		name string
		req  IngestRequest
	}{
		{"empty", jpegRequest(nil)},
		{"oversized", jpegRequest(oversized)},
		{"not an image", IngestRequest{Data: []byte("hello world"), Filename: "a.jpg", MimeType: "image/jpeg", Context: models.UploadContextPost, UserID: "u"}},
		{"bad extension", IngestRequest{Data: valid, Filename: "a.bmp", MimeType: "image/jpeg", Context: models.UploadContextPost, UserID: "u"}},
		{"bad declared mime", IngestRequest{Data: valid, Filename: "a.jpg", MimeType: "image/tiff", Context: models.UploadContextPost, UserID: "u"}},
		{"unknown context", IngestRequest{Data: valid, Filename: "a.jpg", MimeType: "image/jpeg", Context: models.UploadContext("banner"), UserID: "u"}},
		{"missing user", IngestRequest{Data: valid, Filename: "a.jpg", MimeType: "image/jpeg", Context: models.UploadContextOther}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Ingest(ctx, tt.req)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}

	assert.Empty(t, f.files(t))
	stats, err := f.ledger.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestIngest_CorruptImage(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	data := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x42}, 256)...)

	_, err := f.service.Ingest(context.Background(), jpegRequest(data))
	assert.ErrorIs(t, err, errs.ErrInvalidImage)
	assert.Empty(t, f.files(t))
}

func TestIngest_ConcurrentIdenticalUploads(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	data := solidJPEG(t, 120, 80, red)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*IngestResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.service.Ingest(context.Background(), jpegRequest(data))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, res := range results {
		require.NotNil(t, res)
		if !res.IsDuplicate {
			fresh++
		}
		assert.Equal(t, results[0].StoredImage.ID, res.StoredImage.ID)
	}
	assert.Equal(t, 1, fresh)

	stats, err := f.ledger.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(n), stats.References)
	assert.Len(t, f.files(t), 3)
}

func TestIngest_StorageRetriedThenSucceeds(t *testing.T) {
	var flaky *flakyProvider
	f := newFixture(t, fixtureOptions{provider: func(local *storage.LocalStorage) storage.Provider {
		flaky = &flakyProvider{Provider: local, failures: 1}
		return flaky
	}})

	_, err := f.service.Ingest(context.Background(), jpegRequest(solidJPEG(t, 30, 30, red)))
	require.NoError(t, err)
	assert.Equal(t, int32(4), flaky.saves.Load())
	assert.Len(t, f.files(t), 3)
}

func TestIngest_StorageExhaustedLeavesNoState(t *testing.T) {
	f := newFixture(t, fixtureOptions{provider: func(local *storage.LocalStorage) storage.Provider {
		return &flakyProvider{Provider: local, failures: 1 << 30}
	}})

	_, err := f.service.Ingest(context.Background(), jpegRequest(solidJPEG(t, 30, 30, red)))
	assert.ErrorIs(t, err, errs.ErrStorage)
	assert.Empty(t, f.files(t))

	stats, err := f.ledger.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestIngest_LedgerFailureRemovesOrphans(t *testing.T) {
	f := newFixture(t, fixtureOptions{ledger: func(l *images.LedgerRepository) Ledger {
		return &rejectingLedger{Ledger: l, err: errs.InvariantViolation("simulated")}
	}})

	_, err := f.service.Ingest(context.Background(), jpegRequest(solidJPEG(t, 30, 30, red)))
	assert.ErrorIs(t, err, errs.ErrInvariantViolation)
	assert.Empty(t, f.files(t))
}

// cancellingLedger 模拟入账期间请求被取消
type cancellingLedger struct {
	Ledger
	cancel context.CancelFunc
}

func (l *cancellingLedger) CreateOrGetActive(ctx context.Context, rec *models.StoredImage) (*models.StoredImage, bool, error) {
	l.cancel()
	return nil, false, ctx.Err()
}

func TestIngest_CancelledAfterPersistCleansUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t, fixtureOptions{ledger: func(l *images.LedgerRepository) Ledger {
		return &cancellingLedger{Ledger: l, cancel: cancel}
	}})

	_, err := f.service.Ingest(ctx, jpegRequest(solidJPEG(t, 30, 30, red)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.files(t))
}

func TestCheckDuplicate(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	original := gradientPNG(t, 64, 64, false)
	tweaked := gradientPNG(t, 64, 64, true)

	check, err := f.service.CheckDuplicate(ctx, original)
	require.NoError(t, err)
	assert.False(t, check.HasExactDuplicate)
	assert.False(t, check.HasSimilarImages)

	uploaded, err := f.service.Ingest(ctx, pngRequest(original))
	require.NoError(t, err)

	check, err = f.service.CheckDuplicate(ctx, original)
	require.NoError(t, err)
	assert.True(t, check.HasExactDuplicate)
	assert.Equal(t, uploaded.StoredImage.ID, check.Exact.ID)
	assert.False(t, check.HasSimilarImages, "exact match is not listed as a candidate")

	check, err = f.service.CheckDuplicate(ctx, tweaked)
	require.NoError(t, err)
	assert.False(t, check.HasExactDuplicate)
	require.True(t, check.HasSimilarImages)
	assert.Equal(t, uploaded.StoredImage.ID, check.Candidates[0].Image.ID)
	assert.LessOrEqual(t, check.Candidates[0].Distance, f.cfg.UploadSimilarityDistance)

	stored, err := f.ledger.FindByID(ctx, uploaded.StoredImage.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ReferenceCount, "checks never take references")

	_, err = f.service.CheckDuplicate(ctx, nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestCheckDuplicate_AppliesUploadLimits(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	oversized := append(gradientPNG(t, 64, 64, false), make([]byte, f.cfg.MaxUploadBytes())...)
	_, err := f.service.CheckDuplicate(ctx, oversized)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.service.CheckDuplicate(ctx, []byte("plain text, not an image"))
	assert.ErrorIs(t, err, errs.ErrValidation)

	// 10000x9000 超出解码像素上限，只读头部即拒绝
	_, err = f.service.CheckDuplicate(ctx, pngHeader(10000, 9000))
	assert.ErrorIs(t, err, errs.ErrInvalidImage)

	_, err = f.service.Ingest(ctx, pngRequest(pngHeader(10000, 9000)))
	assert.ErrorIs(t, err, errs.ErrInvalidImage)
	assert.Empty(t, f.files(t))
}

func TestRelease(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	res, err := f.service.Ingest(ctx, jpegRequest(solidJPEG(t, 20, 20, red)))
	require.NoError(t, err)

	count, err := f.service.Release(ctx, res.StoredImage.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = f.service.Release(ctx, res.StoredImage.ID)
	assert.ErrorIs(t, err, errs.ErrInvariantViolation)

	_, err = f.service.Release(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestIngestBatch(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	reqs := []IngestRequest{
		jpegRequest(solidJPEG(t, 20, 20, red)),
		jpegRequest([]byte("not an image")),
		pngRequest(gradientPNG(t, 32, 32, false)),
	}

	results, err := f.service.IngestBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.NotNil(t, results[0].Result)
	assert.ErrorIs(t, results[1].Err, errs.ErrValidation)
	assert.NotEmpty(t, results[1].Error)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, 2, results[2].Index)
	assert.Len(t, f.files(t), 6)
}
