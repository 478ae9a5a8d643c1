package storage

import (
	"context"
	"io"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"
)

// newDAVServer 内存 WebDAV 服务
func newDAVServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(&webdav.Handler{
		FileSystem: webdav.NewMemFS(),
		LockSystem: webdav.NewMemLS(),
	})
	t.Cleanup(srv.Close)
	return srv
}

func newDAVStorage(t *testing.T, root string) *WebDAVStorage {
	t.Helper()
	srv := newDAVServer(t)
	s, err := NewWebDAVStorage(WebDAVConfig{URL: srv.URL, RootPath: root})
	require.NoError(t, err)
	return s
}

func TestNewWebDAVStorage_Errors(t *testing.T) {
	_, err := NewWebDAVStorage(WebDAVConfig{})
	assert.Error(t, err)

	_, err = NewWebDAVStorage(WebDAVConfig{URL: "http://127.0.0.1:1", Username: "user", Password: "pass"})
	assert.Error(t, err)
}

func TestWebDAVStorage_RoundTrip(t *testing.T) {
	s := newDAVStorage(t, "/images")
	ctx := context.Background()
	p := "original/ab/cd/abcd.jpg"

	require.NoError(t, s.SaveWithContext(ctx, p, strings.NewReader("jpeg bytes")))

	ok, err := s.Exists(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok)

	rs, err := s.GetWithContext(ctx, p)
	require.NoError(t, err)
	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))

	require.NoError(t, s.DeleteWithContext(ctx, p))
	ok, err = s.Exists(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, s.DeleteWithContext(ctx, p), ErrNotExist)
	_, err = s.GetWithContext(ctx, p)
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestWebDAVStorage_RejectsTraversal(t *testing.T) {
	s := newDAVStorage(t, "")
	err := s.SaveWithContext(context.Background(), "../escape.jpg", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestWebDAVStorage_Walk(t *testing.T) {
	s := newDAVStorage(t, "/store")
	ctx := context.Background()

	for _, p := range []string{
		"original/aa/bb/aabb.jpg",
		"thumbnail/aa/bb/aabb.jpg",
		"medium/aa/bb/aabb.jpg",
	} {
		require.NoError(t, s.SaveWithContext(ctx, p, strings.NewReader("x")))
	}

	var all []string
	require.NoError(t, s.Walk(ctx, "", func(id string) error {
		all = append(all, id)
		return nil
	}))
	sort.Strings(all)
	assert.Equal(t, []string{"medium/aa/bb/aabb.jpg", "original/aa/bb/aabb.jpg", "thumbnail/aa/bb/aabb.jpg"}, all)

	var originals []string
	require.NoError(t, s.Walk(ctx, "original", func(id string) error {
		originals = append(originals, id)
		return nil
	}))
	assert.Equal(t, []string{"original/aa/bb/aabb.jpg"}, originals)

	require.NoError(t, s.Walk(ctx, "missing", func(string) error {
		t.Fatal("no files expected")
		return nil
	}))
}

func TestWebDAVStorage_FullPath(t *testing.T) {
	tests := []struct {
		root, in, want string
	}{
		{"", "original/ab/cd/abcd.jpg", "/original/ab/cd/abcd.jpg"},
		{"/images/", "thumbnail/ab/cd/abcd.jpg", "/images/thumbnail/ab/cd/abcd.jpg"},
		{"a/b", "/medium/x.jpg", "/a/b/medium/x.jpg"},
	}
	for _, tt := range tests {
		s := &WebDAVStorage{rootPath: normalizeRootPath(tt.root)}
		assert.Equal(t, tt.want, s.fullPath(tt.in), "root=%q", tt.root)
	}
}

func TestWebDAVStorage_CanceledContext(t *testing.T) {
	s := &WebDAVStorage{baseURL: "https://dav.example.com"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.SaveWithContext(ctx, "a.jpg", strings.NewReader("x")), context.Canceled)
	_, err := s.GetWithContext(ctx, "a.jpg")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.DeleteWithContext(ctx, "a.jpg"), context.Canceled)
	assert.ErrorIs(t, s.Health(ctx), context.Canceled)
	assert.ErrorIs(t, s.Walk(ctx, "", func(string) error { return nil }), context.Canceled)
}

func TestWebDAVStorage_Name(t *testing.T) {
	assert.Equal(t, "webdav", (&WebDAVStorage{}).Name())
	s := &WebDAVStorage{baseURL: "https://dav.example.com", rootPath: "/data"}
	assert.Equal(t, "webdav:https://dav.example.com/data", s.Name())
}
