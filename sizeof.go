package asyncloop

// Cache-line-related constants, used for padding hot atomic fields against
// false sharing.
const (
	// sizeOfCacheLine covers both the common x86-64 case (64 bytes) and
	// Apple Silicon / other ARM64 (128 bytes); 128 satisfies both.
	sizeOfCacheLine = 128

	// sizeOfAtomicUint64 is the size of an atomic.Uint64 variable.
	sizeOfAtomicUint64 = 8
)
