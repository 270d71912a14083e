package azure_blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// LocalBuffer is a length-prefixed append log on disk: each block-mode batch
// payload that failed to reach Azure Blob Storage is spooled here by
// Output.flushBatch's failure path, and drained back in arrival order by
// Output.drainLocalBuffer on the replayLocalBuffer loop.
type LocalBuffer struct {
	path     string
	maxSize  int64
	mu       sync.Mutex
	file     *os.File
	size     int64
	readFile *os.File
	readPos  int64
}

// NewLocalBuffer opens (or creates) the spool file at path, capped at
// maxSize bytes; a maxSize of 0 disables the cap.
func NewLocalBuffer(path string, maxSize int64) (*LocalBuffer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create local buffer directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open local buffer file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat local buffer file: %w", err)
	}

	return &LocalBuffer{
		path:    path,
		maxSize: maxSize,
		file:    file,
		size:    info.Size(),
	}, nil
}

// Write appends one formatted row, length-prefixed so Read can recover
// exact record boundaries regardless of what's inside the payload.
func (lb *LocalBuffer) Write(row []byte) error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.maxSize > 0 && lb.size+int64(len(row)) > lb.maxSize {
		return fmt.Errorf("local buffer full (size: %d, max: %d)", lb.size, lb.maxSize)
	}

	header := fmt.Sprintf("%d\n", len(row))
	if _, err := lb.file.WriteString(header); err != nil {
		return fmt.Errorf("write local buffer header: %w", err)
	}

	if _, err := lb.file.Write(row); err != nil {
		return fmt.Errorf("write local buffer row: %w", err)
	}

	if _, err := lb.file.WriteString("\n"); err != nil {
		return fmt.Errorf("write local buffer trailer: %w", err)
	}

	lb.size += int64(len(header)) + int64(len(row)) + 1

	if err := lb.file.Sync(); err != nil {
		return fmt.Errorf("sync local buffer: %w", err)
	}

	return nil
}

// Read returns the next spooled row in write order, io.EOF once the spool
// is drained (at which point the underlying file is truncated so a fresh
// recovery pass starts from empty).
func (lb *LocalBuffer) Read() ([]byte, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.readFile == nil {
		file, err := os.Open(lb.path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("open local buffer for reading: %w", err)
		}
		lb.readFile = file
		lb.readPos = 0
	}

	var length int
	_, err := fmt.Fscanf(lb.readFile, "%d\n", &length)
	if err == io.EOF {
		lb.readFile.Close()
		lb.readFile = nil
		lb.readPos = 0

		if err := lb.file.Truncate(0); err != nil {
			return nil, fmt.Errorf("truncate local buffer: %w", err)
		}
		if _, err := lb.file.Seek(0, 0); err != nil {
			return nil, fmt.Errorf("seek local buffer: %w", err)
		}
		lb.size = 0

		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("read local buffer length prefix: %w", err)
	}

	row := make([]byte, length)
	n, err := io.ReadFull(lb.readFile, row)
	if err != nil {
		return nil, fmt.Errorf("read local buffer row: %w", err)
	}

	if _, err := lb.readFile.Read(make([]byte, 1)); err != nil {
		return nil, fmt.Errorf("read local buffer trailer: %w", err)
	}

	lb.readPos += int64(len(fmt.Sprintf("%d\n", length))) + int64(n) + 1

	return row, nil
}

// Size reports the current spool size in bytes.
func (lb *LocalBuffer) Size() int64 {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.size
}

// Close releases the underlying file handles.
func (lb *LocalBuffer) Close() error {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	var errs []error

	if lb.file != nil {
		if err := lb.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close write file: %w", err))
		}
	}

	if lb.readFile != nil {
		if err := lb.readFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close read file: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing local buffer: %v", errs)
	}

	return nil
}
