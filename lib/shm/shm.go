// Package shm is the shared-memory script buffer between the master's
// writer side and the worker's executor side on a single host. The
// executor reads a script out of its slot and feeds it to the
// interpreter over a FIFO; interpreters do not map the pool.
//
// The pool is a fixed region partitioned into slots of BlockSize bytes.
// There is no in-band locking. Safety rests on the slot ownership
// protocol: the writer leases slot i, fills it, dispatches the task
// referencing i, and must not rewrite i until every in-flight task for
// that job has completed.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// BlockSize is the size of one script slot.
	BlockSize = 512 * 1024

	// DefaultName is the fixed shared memory object name.
	DefaultName = "prun_shmem"

	// DefaultSlots is the slot count used when the config doesn't say.
	// It bounds the number of jobs with in-flight tasks.
	DefaultSlots = 256
)

// DefaultPath returns the tmpfs-backed path of the named pool.
func DefaultPath(name string) string {
	return filepath.Join("/dev/shm", name)
}

// Pool is a mapped shared-memory region split into script slots.
type Pool struct {
	mu sync.Mutex

	path     string
	data     []byte
	slots    int
	readonly bool

	// owner maps a slot index to the job id currently leasing it.
	// Only maintained on the writer side.
	owner map[int]int64
}

// Create creates (or truncates) the pool file at path and maps it
// read-write. It is the writer side, owned by the coordinator process.
func Create(path string, slots int) (*Pool, error) {
	if slots <= 0 {
		slots = DefaultSlots
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create shm pool: %w", err)
	}
	defer f.Close()
	size := slots * BlockSize
	if err := f.Truncate(int64(size)); err != nil {
		return nil, fmt.Errorf("size shm pool: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map shm pool: %w", err)
	}
	return &Pool{
		path:  path,
		data:  data,
		slots: slots,
		owner: make(map[int]int64),
	}, nil
}

// Open maps an existing pool read-only. It is the executor side.
func Open(path string) (*Pool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shm pool: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat shm pool: %w", err)
	}
	size := int(st.Size())
	if size == 0 || size%BlockSize != 0 {
		return nil, fmt.Errorf("shm pool has unexpected size: %d", size)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map shm pool: %w", err)
	}
	return &Pool{
		path:     path,
		data:     data,
		slots:    size / BlockSize,
		readonly: true,
	}, nil
}

// Slots returns the slot count of the pool.
func (p *Pool) Slots() int {
	return p.slots
}

// SlotIndex maps a job id to its slot. Both peers agree on this
// partitioning, so the index never travels on the wire.
func (p *Pool) SlotIndex(jobID int64) int {
	return int(jobID % int64(p.slots))
}

// Slot returns the raw bytes of the job's slot.
func (p *Pool) Slot(jobID int64) []byte {
	i := p.SlotIndex(jobID)
	return p.data[i*BlockSize : (i+1)*BlockSize]
}

// Script returns the first n bytes of the job's slot.
func (p *Pool) Script(jobID int64, n int) ([]byte, error) {
	if n < 0 || n > BlockSize {
		return nil, fmt.Errorf("script length out of bounds: %d", n)
	}
	return p.Slot(jobID)[:n], nil
}

// Lease takes exclusive ownership of the job's slot and writes the
// script into it. It fails when another live job holds the slot, which
// means the caller should delay the job rather than corrupt a script
// with in-flight tasks.
func (p *Pool) Lease(jobID int64, script []byte) error {
	if p.readonly {
		return fmt.Errorf("lease on read-only pool")
	}
	if len(script) > BlockSize-1 {
		return fmt.Errorf("script too large: %d > %d", len(script), BlockSize-1)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.SlotIndex(jobID)
	if holder, ok := p.owner[i]; ok && holder != jobID {
		return fmt.Errorf("slot %d busy: held by job %d", i, holder)
	}
	p.owner[i] = jobID
	copy(p.data[i*BlockSize:], script)
	return nil
}

// Release gives the job's slot back. Releasing a slot the job doesn't
// hold is a no-op.
func (p *Pool) Release(jobID int64) {
	if p.readonly {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.SlotIndex(jobID)
	if holder, ok := p.owner[i]; ok && holder == jobID {
		delete(p.owner, i)
	}
}

// Close unmaps the pool. The writer side also removes the backing file.
func (p *Pool) Close() error {
	if p.data == nil {
		return nil
	}
	err := unix.Munmap(p.data)
	p.data = nil
	if !p.readonly {
		os.Remove(p.path)
	}
	return err
}
