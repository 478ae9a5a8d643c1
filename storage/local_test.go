package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLocalStorage_PathTraversal_Prevention 测试路径遍历防护
func TestLocalStorage_PathTraversal_Prevention(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()

	traversalAttempts := []string{
		"../../../etc/passwd",
		"..\\..\\..\\windows\\system32\\config\\sam",
		"../../.env",
		"..",
		".",
		"",
		"folder/../../../etc/passwd",
		"/absolute/path",
	}

	for _, attempt := range traversalAttempts {
		t.Run("save_"+attempt, func(t *testing.T) {
			err := storage.SaveWithContext(ctx, attempt, strings.NewReader("test content"))
			assert.Error(t, err, "Path traversal attempt should be rejected: %s", attempt)
			assert.Contains(t, err.Error(), "invalid")
		})
	}

	_, err = storage.GetWithContext(ctx, "../../../etc/passwd")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")

	err = storage.DeleteWithContext(ctx, "../../../etc/passwd")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid")
}

// TestLocalStorage_RoundTrip 测试保存、读取、存在性和删除
func TestLocalStorage_RoundTrip(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	path := "thumbnail/ab/cd/abcd.jpg"

	exists, err := storage.Exists(ctx, path)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, storage.SaveWithContext(ctx, path, strings.NewReader("jpeg bytes")))

	exists, err = storage.Exists(ctx, path)
	require.NoError(t, err)
	assert.True(t, exists)

	rs, err := storage.GetWithContext(ctx, path)
	require.NoError(t, err)
	data, err := io.ReadAll(rs)
	require.NoError(t, err)
	if c, ok := rs.(io.Closer); ok {
		_ = c.Close()
	}
	assert.Equal(t, "jpeg bytes", string(data))

	require.NoError(t, storage.DeleteWithContext(ctx, path))
	_, err = os.Stat(filepath.Join(storage.BasePath(), "thumbnail"))
	assert.True(t, os.IsNotExist(err), "empty shard directories are pruned")

	err = storage.DeleteWithContext(ctx, path)
	assert.True(t, errors.Is(err, ErrNotExist))

	_, err = storage.GetWithContext(ctx, path)
	assert.True(t, errors.Is(err, ErrNotExist))
}

// TestLocalStorage_SaveLeavesNoTempFiles 写入成功后目录中只有目标文件
func TestLocalStorage_SaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewLocalStorage(dir)
	require.NoError(t, err)

	require.NoError(t, storage.SaveWithContext(context.Background(), "a/b.jpg", strings.NewReader("x")))

	entries, err := os.ReadDir(filepath.Join(dir, "a"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.jpg", entries[0].Name())
}

// TestLocalStorage_SavePermissions 写入的文件对其他用户可读
func TestLocalStorage_SavePermissions(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewLocalStorage(dir)
	require.NoError(t, err)

	require.NoError(t, storage.SaveWithContext(context.Background(), "original/aa/bb/1.jpg", strings.NewReader("x")))

	info, err := os.Stat(filepath.Join(dir, "original", "aa", "bb", "1.jpg"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

// TestLocalStorage_SaveCancelled 取消的上下文不写文件
func TestLocalStorage_SaveCancelled(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = storage.SaveWithContext(ctx, "x.jpg", strings.NewReader("x"))
	assert.ErrorIs(t, err, context.Canceled)

	exists, err := storage.Exists(context.Background(), "x.jpg")
	require.NoError(t, err)
	assert.False(t, exists)
}

// TestLocalStorage_ConcurrentAccess 测试并发写同一文件
func TestLocalStorage_ConcurrentAccess(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, storage.SaveWithContext(ctx, "concurrent.txt", strings.NewReader("concurrent content")))
		}()
	}
	wg.Wait()

	rs, err := storage.GetWithContext(ctx, "concurrent.txt")
	require.NoError(t, err)
	data, _ := io.ReadAll(rs)
	assert.Equal(t, "concurrent content", string(data))
}

// TestLocalStorage_Walk 测试遍历
func TestLocalStorage_Walk(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	for _, p := range []string{"original/aa/bb/1.jpg", "thumbnail/aa/bb/1.jpg", "original/cc/dd/2.jpg"} {
		require.NoError(t, storage.SaveWithContext(ctx, p, strings.NewReader("x")))
	}

	var all []string
	require.NoError(t, storage.Walk(ctx, "", func(id string) error {
		all = append(all, id)
		return nil
	}))
	sort.Strings(all)
	assert.Equal(t, []string{"original/aa/bb/1.jpg", "original/cc/dd/2.jpg", "thumbnail/aa/bb/1.jpg"}, all)

	var originals []string
	require.NoError(t, storage.Walk(ctx, "original", func(id string) error {
		originals = append(originals, id)
		return nil
	}))
	assert.Len(t, originals, 2)

	require.NoError(t, storage.Walk(ctx, "medium", func(id string) error {
		t.Errorf("unexpected file %s", id)
		return nil
	}))
}

// TestLocalStorage_WalkSkipsTempFiles 写入中断留下的临时文件不被列出
func TestLocalStorage_WalkSkipsTempFiles(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewLocalStorage(dir)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, storage.SaveWithContext(ctx, "original/aa/bb/1.jpg", strings.NewReader("x")))

	shard := filepath.Join(dir, "original", "aa", "bb")
	tmp, err := os.CreateTemp(shard, tempPrefix+"*")
	require.NoError(t, err)
	require.NoError(t, tmp.Close())
	require.True(t, strings.HasPrefix(filepath.Base(tmp.Name()), ".upload-"))

	var all []string
	require.NoError(t, storage.Walk(ctx, "", func(id string) error {
		all = append(all, id)
		return nil
	}))
	assert.Equal(t, []string{"original/aa/bb/1.jpg"}, all)
}

// TestIsValidStoragePath 测试路径校验
func TestIsValidStoragePath(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		wantValid bool
	}{
		{"simple", "file.txt", true},
		{"nested", "original/ab/cd/file.jpg", true},
		{"empty", "", false},
		{"dot", ".", false},
		{"dotdot", "..", false},
		{"trailing slash", "original/", false},
		{"absolute_unix", "/etc/passwd", false},
		{"absolute_windows", "C:\\file.txt", false},
		{"traversal", "../file.txt", false},
		{"null_byte", "file\x00.txt", false},
		{"newline", "file\n.txt", false},
		{"shell", "file;rm -rf /.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantValid, IsValidStoragePath(tt.path), "path: %q", tt.path)
		})
	}
}

// BenchmarkIsValidStoragePath 基准测试
func BenchmarkIsValidStoragePath(b *testing.B) {
	paths := []string{
		"normal_file.txt",
		"path/to/file.png",
		"../../../etc/passwd",
		"",
	}

	for i := 0; i < b.N; i++ {
		for _, p := range paths {
			IsValidStoragePath(p)
		}
	}
}

// TestLocalStorage_PruneKeepsSiblings 删除文件不影响同目录其他文件
func TestLocalStorage_PruneKeepsSiblings(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, storage.SaveWithContext(ctx, "original/aa/bb/1.jpg", strings.NewReader("x")))
	require.NoError(t, storage.SaveWithContext(ctx, "original/aa/bb/2.jpg", strings.NewReader("y")))
	require.NoError(t, storage.DeleteWithContext(ctx, "original/aa/bb/1.jpg"))

	exists, err := storage.Exists(ctx, "original/aa/bb/2.jpg")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, storage.SaveWithContext(ctx, "original/aa/bb/1.jpg", strings.NewReader("z")))
	exists, err = storage.Exists(ctx, "original/aa/bb/1.jpg")
	require.NoError(t, err)
	assert.True(t, exists)
}
