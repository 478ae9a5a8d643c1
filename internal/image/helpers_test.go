package image

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anoixa/imagestore/config"
	"github.com/anoixa/imagestore/database/dbtest"
	"github.com/anoixa/imagestore/database/models"
	"github.com/anoixa/imagestore/database/repo/images"
	"github.com/anoixa/imagestore/internal/variant"
	"github.com/anoixa/imagestore/internal/worker"
	"github.com/anoixa/imagestore/storage"
	"github.com/anoixa/imagestore/utils/keylock"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	cfg     *config.Config
	ledger  *images.LedgerRepository
	local   *storage.LocalStorage
	store   *Store
	locks   *keylock.KeyLock
	service *UploadService
	reaper  *ReapScanner
}

type fixtureOptions struct {
	mutate   func(cfg *config.Config)
	provider func(local *storage.LocalStorage) storage.Provider
	ledger   func(l *images.LedgerRepository) Ledger
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.StorageRetryMax = 2
	cfg.StorageRetryBase = time.Millisecond
	cfg.ReapDeleteRate = 0
	cfg.StoragePublicBaseURL = "https://cdn.example.com/files/"
	if opts.mutate != nil {
		opts.mutate(cfg)
	}

	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	var provider storage.Provider = local
	if opts.provider != nil {
		provider = opts.provider(local)
	}

	ledgerRepo := images.NewLedgerRepository(dbtest.NewSQLite(t).DB(), nil, time.Hour, nil)
	var ledger Ledger = ledgerRepo
	if opts.ledger != nil {
		ledger = opts.ledger(ledgerRepo)
	}

	pool := worker.NewPool(2, 16)
	t.Cleanup(pool.Stop)

	locks := keylock.New(8)
	store := NewStore(provider, cfg, nil)
	gen := variant.NewGenerator(variant.OptionsFromConfig(cfg))

	return &fixture{
		cfg:     cfg,
		ledger:  ledgerRepo,
		local:   local,
		store:   store,
		locks:   locks,
		service: NewUploadService(cfg, ledger, store, gen, pool, locks, nil),
		reaper:  NewReapScanner(cfg, ledger, store, locks, nil),
	}
}

func (f *fixture) files(t *testing.T) []string {
	t.Helper()
	var out []string
	require.NoError(t, f.local.Walk(context.Background(), "", func(id string) error {
		out = append(out, id)
		return nil
	}))
	return out
}

func (f *fixture) variantSize(t *testing.T, fp string, kind models.VariantKind) (int, int) {
	t.Helper()
	r, err := f.local.GetWithContext(context.Background(), f.store.Path(fp, kind))
	require.NoError(t, err)
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	cfg, _, err := image.DecodeConfig(r)
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func solidJPEG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, c), imaging.JPEG, imaging.JPEGQuality(90)))
	return buf.Bytes()
}

// gradientPNG 水平渐变，tweak 改变一个像素而不影响感知指纹
func gradientPNG(t *testing.T, w, h int, tweak bool) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(x * 255 / (w - 1))
			img.Set(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	if tweak {
		img.Set(w/2, h/2, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

// pngHeader 只有签名和 IHDR 的灰度 PNG，声明 w×h 但没有像素数据
func pngHeader(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8] = 8

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	buf.WriteString("IHDR")
	buf.Write(ihdr)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(append([]byte("IHDR"), ihdr...)))
	return buf.Bytes()
}

func jpegRequest(data []byte) IngestRequest {
	return IngestRequest{
		Data:     data,
		Filename: "photo.jpg",
		MimeType: "image/jpeg",
		Context:  models.UploadContextPost,
		UserID:   "user-1",
	}
}

func pngRequest(data []byte) IngestRequest {
	return IngestRequest{
		Data:     data,
		Filename: "photo.png",
		MimeType: "image/png",
		Context:  models.UploadContextProfile,
		UserID:   "user-2",
	}
}

// flakyProvider 前 failures 次写入失败
type flakyProvider struct {
	storage.Provider
	failures int32
	saves    atomic.Int32
}

func (p *flakyProvider) SaveWithContext(ctx context.Context, path string, r io.Reader) error {
	n := p.saves.Add(1)
	if n <= p.failures {
		return errFlaky
	}
	return p.Provider.SaveWithContext(ctx, path, r)
}

var errFlaky = errors.New("transient backend error")

// rejectingLedger 入账总是失败
type rejectingLedger struct {
	Ledger
	err error
}

func (l *rejectingLedger) CreateOrGetActive(ctx context.Context, rec *models.StoredImage) (*models.StoredImage, bool, error) {
	return nil, false, l.err
}
