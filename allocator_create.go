package halloc

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/halloc/memutils"
	"github.com/vkngwrapper/halloc/memutils/brk"
	"github.com/vkngwrapper/halloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized internally.
	// The consumer must guarantee it is used from only one goroutine at a time or is synchronized by some
	// other mechanism, but performance may improve because internal mutexes are not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = []struct {
	flag CreateFlags
	name string
}{
	{AllocatorCreateExternallySynchronized, "AllocatorCreateExternallySynchronized"},
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for _, entry := range createFlagsMapping {
		if f&entry.flag != 0 {
			names = append(names, entry.name)
			f &^= entry.flag
		}
	}

	if f != 0 {
		names = append(names, "Unknown")
	}

	return strings.Join(names, "|")
}

const (
	// defaultHeapLimit is the value that is used as the HeapLimit when none is provided via
	// CreateOptions. It is equal to 1Gb.
	defaultHeapLimit int = 1024 * 1024 * 1024

	initialLiveAllocations uint32 = 64
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// HeapLimit is the largest number of bytes the heap can grow to. It is only used when Source
	// is nil.
	HeapLimit int

	// Source is the heap break the allocator grows into. If it is left nil, New reserves an mmap
	// region of HeapLimit bytes, and Close releases it.
	Source brk.Source
}

// New creates a new Allocator
//
// logger - The logger that allocator operations will be reported to. If it is nil, nothing is logged.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		source:      options.Source,
		metadata:    metadata.NewFreeListMetadata(),
		live:        swiss.NewMap[Ptr, uintptr](initialLiveAllocations),
	}
	allocator.mutex.UseMutex = options.Flags&AllocatorCreateExternallySynchronized == 0

	if allocator.source == nil {
		heapLimit := options.HeapLimit
		if heapLimit == 0 {
			heapLimit = defaultHeapLimit
		}

		source, err := brk.NewMmap(heapLimit)
		if err != nil {
			return nil, errors.Wrapf(err, "could not reserve a %d byte heap", heapLimit)
		}

		allocator.source = source
		allocator.ownsSource = true
	}

	allocator.metadata.Init(allocator.source)

	logger.Debug("Allocator::New",
		slog.String("Flags", options.Flags.String()),
		slog.Bool("OwnsSource", allocator.ownsSource),
	)

	return allocator, nil
}

// Close logs any allocations that were never released and, if New created the heap source, returns
// its memory to the OS. The allocator must not be used afterward.
func (a *Allocator) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::Close")

	if !a.metadata.IsEmpty() {
		var stats memutils.Statistics
		a.metadata.AddStatistics(&stats)

		a.logger.Warn("allocator closed with live allocations",
			slog.Int("Count", stats.AllocationCount),
			slog.Uint64("AllocationBytes", uint64(stats.AllocationBytes)),
			slog.Uint64("HeapBytes", uint64(stats.HeapBytes)),
		)
		a.metadata.DebugLogAllAllocations(a.logger, func(log *slog.Logger, offset uintptr, size uintptr) {
			log.Warn("unreleased allocation", slog.Uint64("Pointer", uint64(offset)), slog.Uint64("Size", uint64(size)))
		})
	}

	if !a.ownsSource {
		return nil
	}

	closer, ok := a.source.(io.Closer)
	if !ok {
		return nil
	}

	return closer.Close()
}
