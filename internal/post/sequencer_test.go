package post

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anoixa/imagestore/config"
	"github.com/anoixa/imagestore/database/dbtest"
	"github.com/anoixa/imagestore/database/models"
	"github.com/anoixa/imagestore/database/repo/images"
	"github.com/anoixa/imagestore/database/repo/posts"
	"github.com/anoixa/imagestore/internal/errs"
	"github.com/anoixa/imagestore/internal/image"
	"github.com/anoixa/imagestore/utils/keylock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type staticURLs struct{}

func (staticURLs) URLs(fp string) models.VariantURLs {
	return models.VariantURLs{
		Thumbnail: "/t/" + fp + ".jpg",
		Medium:    "/m/" + fp + ".jpg",
		Original:  "/o/" + fp + ".jpg",
	}
}

type fixture struct {
	ledger *images.LedgerRepository
	seq    *Sequencer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.NewSQLite(t).DB()
	ledger := images.NewLedgerRepository(db, nil, time.Hour, nil)
	seq := NewSequencer(config.Default(), posts.NewRepository(db), ledger, staticURLs{}, keylock.New(8), nil)
	return &fixture{ledger: ledger, seq: seq}
}

// stored 创建一条引用计数为 1 的存储记录
func (f *fixture) stored(t *testing.T, n int) *models.StoredImage {
	t.Helper()
	fp := fmt.Sprintf("%064x", n+1)
	img, _, err := f.ledger.CreateOrGetActive(context.Background(), &models.StoredImage{
		ContentFingerprint: fp,
		OriginalFilename:   "a.jpg",
		StoragePath:        "original/" + fp,
		FileSizeBytes:      100,
		MimeType:           models.VariantMimeType,
		Width:              40,
		Height:             30,
		UploadContext:      models.UploadContextPost,
		FirstUploaderID:    "u",
	})
	require.NoError(t, err)
	return img
}

func (f *fixture) refs(t *testing.T, id string) int {
	t.Helper()
	img, err := f.ledger.FindByID(context.Background(), id)
	require.NoError(t, err)
	return img.ReferenceCount
}

func ids(views []models.ImageView) []string {
	out := make([]string, len(views))
	for i, v := range views {
		out[i] = v.ID
	}
	return out
}

func assertContiguous(t *testing.T, views []models.ImageView) {
	t.Helper()
	for i, v := range views {
		assert.Equal(t, i, v.Position)
	}
}

func TestAttach_LimitBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.stored(t, 0)

	for i := 0; i < 7; i++ {
		row, err := f.seq.Attach(ctx, "post-1", img)
		require.NoError(t, err, "attach %d", i+1)
		assert.Equal(t, i, row.Position)
	}

	_, err := f.seq.Attach(ctx, "post-1", img)
	assert.ErrorIs(t, err, errs.ErrLimitExceeded)
	_, err = f.seq.Attach(ctx, "post-1", img)
	assert.ErrorIs(t, err, errs.ErrLimitExceeded)

	assert.Equal(t, 8, f.refs(t, img.ID))

	views, err := f.seq.List(ctx, "post-1")
	require.NoError(t, err)
	assert.Len(t, views, 7)
	assertContiguous(t, views)
}

func TestAttach_CopiesURLsAndDimensions(t *testing.T) {
	f := newFixture(t)
	img := f.stored(t, 0)

	row, err := f.seq.Attach(context.Background(), "post-1", img)
	require.NoError(t, err)

	view := row.View()
	assert.Equal(t, "/t/"+img.ContentFingerprint+".jpg", view.ThumbnailURL)
	assert.Equal(t, "/m/"+img.ContentFingerprint+".jpg", view.MediumURL)
	assert.Equal(t, "/o/"+img.ContentFingerprint+".jpg", view.OriginalURL)
	assert.Equal(t, 40, view.Width)
	assert.Equal(t, 30, view.Height)
	assert.Equal(t, int64(100), view.FileSizeBytes)
}

func TestAttach_Validation(t *testing.T) {
	f := newFixture(t)
	img := f.stored(t, 0)

	_, err := f.seq.Attach(context.Background(), "", img)
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = f.seq.Attach(context.Background(), "post-1", nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestAttach_InactiveImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.stored(t, 0)

	_, err := f.ledger.DecrementReference(ctx, img.ID)
	require.NoError(t, err)
	_, err = f.ledger.MarkInactiveIfUnreferenced(ctx, img.ID)
	require.NoError(t, err)

	_, err = f.seq.Attach(ctx, "post-1", img)
	assert.ErrorIs(t, err, images.ErrImageInactive)

	views, err := f.seq.List(ctx, "post-1")
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestDetachThenAttachRestoresState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.stored(t, 0), f.stored(t, 1)

	_, err := f.seq.Attach(ctx, "post-1", a)
	require.NoError(t, err)
	rowB, err := f.seq.Attach(ctx, "post-1", b)
	require.NoError(t, err)
	before := f.refs(t, b.ID)

	require.NoError(t, f.seq.Detach(ctx, rowB.ID))
	assert.Equal(t, before-1, f.refs(t, b.ID))

	again, err := f.seq.Attach(ctx, "post-1", b)
	require.NoError(t, err)
	assert.Equal(t, before, f.refs(t, b.ID))
	assert.Equal(t, 1, again.Position)
}

func TestDetach_ShiftsLaterPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var rows []*models.PostImage
	for i := 0; i < 4; i++ {
		row, err := f.seq.Attach(ctx, "post-1", f.stored(t, i))
		require.NoError(t, err)
		rows = append(rows, row)
	}

	require.NoError(t, f.seq.Detach(ctx, rows[1].ID))

	views, err := f.seq.List(ctx, "post-1")
	require.NoError(t, err)
	assert.Equal(t, []string{rows[0].ID, rows[2].ID, rows[3].ID}, ids(views))
	assertContiguous(t, views)

	err = f.seq.Detach(ctx, rows[1].ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestReorder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var rows []*models.PostImage
	for i := 0; i < 3; i++ {
		row, err := f.seq.Attach(ctx, "post-1", f.stored(t, i))
		require.NoError(t, err)
		rows = append(rows, row)
	}
	original := []string{rows[0].ID, rows[1].ID, rows[2].ID}

	invalid := map[string][]string{
		"duplicate": {rows[0].ID, rows[0].ID, rows[2].ID},
		"missing":   {rows[0].ID, rows[1].ID},
		"foreign":   {rows[0].ID, rows[1].ID, "other"},
		"extra":     {rows[0].ID, rows[1].ID, rows[2].ID, "other"},
	}
	for name, order := range invalid {
		t.Run(name, func(t *testing.T) {
			_, err := f.seq.Reorder(ctx, "post-1", order)
			assert.ErrorIs(t, err, errs.ErrValidation)

			views, err := f.seq.List(ctx, "post-1")
			require.NoError(t, err)
			assert.Equal(t, original, ids(views))
		})
	}

	views, err := f.seq.Reorder(ctx, "post-1", []string{rows[2].ID, rows[0].ID, rows[1].ID})
	require.NoError(t, err)
	assert.Equal(t, []string{rows[2].ID, rows[0].ID, rows[1].ID}, ids(views))
	assertContiguous(t, views)
}

func TestDeletePost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.stored(t, 0), f.stored(t, 1)

	for _, img := range []*models.StoredImage{a, b, a} {
		_, err := f.seq.Attach(ctx, "post-1", img)
		require.NoError(t, err)
	}
	_, err := f.seq.Attach(ctx, "post-2", b)
	require.NoError(t, err)

	called := false
	removed, err := f.seq.DeletePost(ctx, "post-1", func(tx *gorm.DB) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, 3, removed)
	assert.Equal(t, 1, f.refs(t, a.ID))
	assert.Equal(t, 2, f.refs(t, b.ID))

	views, err := f.seq.List(ctx, "post-1")
	require.NoError(t, err)
	assert.Empty(t, views)

	views, err = f.seq.List(ctx, "post-2")
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestDeletePost_CollaboratorFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.stored(t, 0)

	_, err := f.seq.Attach(ctx, "post-1", img)
	require.NoError(t, err)

	boom := errors.New("post row locked")
	_, err = f.seq.DeletePost(ctx, "post-1", func(tx *gorm.DB) error { return boom })
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 2, f.refs(t, img.ID))
	views, err := f.seq.List(ctx, "post-1")
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestAttachUploaded_AdoptsReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.stored(t, 0)

	row, err := f.seq.AttachUploaded(ctx, "post-1", &image.IngestResult{StoredImage: img})
	require.NoError(t, err)
	assert.Equal(t, 0, row.Position)
	assert.Equal(t, 1, f.refs(t, img.ID), "upload reference becomes the attachment reference")

	require.NoError(t, f.seq.Detach(ctx, row.ID))
	assert.Equal(t, 0, f.refs(t, img.ID))
}

func TestAttachUploaded_ReleasesOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < f.seq.MaxImages(); i++ {
		_, err := f.seq.Attach(ctx, "post-1", f.stored(t, i))
		require.NoError(t, err)
	}

	extra := f.stored(t, 100)
	_, err := f.seq.AttachUploaded(ctx, "post-1", &image.IngestResult{StoredImage: extra})
	assert.ErrorIs(t, err, errs.ErrLimitExceeded)
	assert.Equal(t, 0, f.refs(t, extra.ID))

	_, err = f.seq.AttachUploaded(ctx, "post-1", nil)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestAttach_ConcurrentRespectsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.stored(t, 0)

	const n = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, limited := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.seq.Attach(ctx, "post-1", img)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, errs.ErrLimitExceeded):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 7, ok)
	assert.Equal(t, 3, limited)

	views, err := f.seq.List(ctx, "post-1")
	require.NoError(t, err)
	assertContiguous(t, views)
	assert.Equal(t, 8, f.refs(t, img.ID))
}
