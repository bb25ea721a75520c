package storage

// NumLevels is the number of levels in the LSM tree (L0 .. L6).
const NumLevels = 7

// MaxMemCompactLevel bounds how deep a minor compaction may push a new
// table directly.
const MaxMemCompactLevel = 2

const (
	defaultWriteBufferSize = 4 << 20 // 4MiB
	defaultMaxFileSize     = 2 << 20 // 2MiB
	defaultBlockSize       = 4 << 10 // 4KiB
	defaultBlockRestartInt = 16
	defaultCacheCapacity   = 8 << 20 // 8MiB of block bytes
	allowedSeeksPerByte    = 1 << 14 // one seek allowance per 16KiB of file
)

// Options tunes the engine. Zero values fall back to the defaults above.
type Options struct {
	WriteBufferSize      int
	MaxFileSize          int
	BlockSize            int
	BlockRestartInterval int
	CacheCapacity        int
	CreateIfMissing      bool
}

func (o Options) withDefaults() Options {
	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = defaultWriteBufferSize
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = defaultMaxFileSize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = defaultBlockSize
	}
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = defaultBlockRestartInt
	}
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = defaultCacheCapacity
	}
	return o
}
