package cache

// KeyPrefix 所有缓存键的命名空间
const KeyPrefix = "imagestore"

// FingerprintKey 内容指纹 -> 图片 ID
// 记录不会被物理删除，映射一旦写入就不会失效
func FingerprintKey(fp string) string {
	return KeyPrefix + ":fp:" + fp
}
