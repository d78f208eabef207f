package fat32

import (
	"fmt"
	"strings"

	"mimiboot/src/core/mimierr"
)

// File is an open handle into a FAT32 volume. The invariant
// position <= fileSize holds after every Read/Seek; currentCluster is
// the cluster containing byte position, or an end-of-chain sentinel
// when position == fileSize.
type File struct {
	fs             *FS
	startCluster   uint32
	currentCluster uint32
	fileSize       uint32
	position       uint32
	attr           uint8
}

// Size returns the file's declared size in bytes.
func (f *File) Size() uint32 { return f.fileSize }

// IsDir reports whether the handle refers to a directory.
func (f *File) IsDir() bool { return f.attr&attrDirectory != 0 }

// Open resolves an absolute, '/'-separated path against fs. A bare
// "/" or empty path opens the root directory.
func (fs *FS) Open(path string) (*File, error) {
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		return &File{
			fs:             fs,
			startCluster:   fs.rootCluster,
			currentCluster: fs.rootCluster,
			attr:           attrDirectory,
		}, nil
	}

	current := fs.rootCluster
	var entry DirEntry
	components := strings.Split(path, "/")
	for i, component := range components {
		var err error
		entry, err = fs.findInDir(current, component)
		if err != nil {
			return nil, err
		}
		if i < len(components)-1 && !entry.IsDir {
			return nil, fmt.Errorf("fat32: %q is not a directory: %w", component, mimierr.NotDirectory)
		}
		current = entry.FirstCluster
	}

	return &File{
		fs:             fs,
		startCluster:   entry.FirstCluster,
		currentCluster: entry.FirstCluster,
		fileSize:       entry.Size,
		attr:           entry.Attr,
	}, nil
}

// Read fills p from the current position, truncating to the bytes
// remaining in the file, and advances position. It returns the number
// of bytes actually delivered.
func (f *File) Read(p []byte) (int, error) {
	want := uint32(len(p))
	if f.position+want > f.fileSize {
		want = f.fileSize - f.position
	}
	if want == 0 {
		return 0, nil
	}

	var sector [bytesPerSector]byte
	var read uint32
	budget := f.fs.chainBudget()
	for read < want {
		if isEndOfChain(f.currentCluster) {
			break
		}
		if f.position%f.fs.bytesPerClus == 0 {
			if budget == 0 {
				return 0, fmt.Errorf("fat32: read: file cluster chain exceeds volume size: %w", mimierr.Invalid)
			}
			budget--
		}

		clusterOffset := f.position % f.fs.bytesPerClus
		sectorInCluster := clusterOffset / bytesPerSector
		offsetInSector := clusterOffset % bytesPerSector

		sec := f.fs.sectorOf(f.currentCluster) + sectorInCluster
		if err := f.fs.source.ReadSector(sec, &sector); err != nil {
			if read > 0 {
				return int(read), nil
			}
			return 0, fmt.Errorf("fat32: read: %w", mimierr.IO)
		}

		copyLen := uint32(bytesPerSector) - offsetInSector
		if remain := want - read; copyLen > remain {
			copyLen = remain
		}
		copy(p[read:read+copyLen], sector[offsetInSector:offsetInSector+copyLen])

		read += copyLen
		f.position += copyLen

		if f.position%f.fs.bytesPerClus == 0 {
			next := f.fs.nextCluster(f.currentCluster)
			if next == f.currentCluster {
				return int(read), fmt.Errorf("fat32: read: cluster %d links to itself: %w", next, mimierr.Invalid)
			}
			f.currentCluster = next
		}
	}
	return int(read), nil
}

// Seek moves to an absolute offset, clamped to the file size, by
// re-walking the cluster chain from the start. Cost is
// O(offset/bytesPerCluster) sector reads.
func (f *File) Seek(offset uint32) error {
	if offset > f.fileSize {
		offset = f.fileSize
	}
	targetIndex := offset / f.fs.bytesPerClus

	budget := f.fs.chainBudget()
	cluster := f.startCluster
	for i := uint32(0); i < targetIndex && !isEndOfChain(cluster); i++ {
		if budget == 0 {
			return fmt.Errorf("fat32: seek: file cluster chain exceeds volume size: %w", mimierr.Invalid)
		}
		budget--
		cluster = f.fs.nextCluster(cluster)
	}
	f.currentCluster = cluster
	f.position = offset
	return nil
}

// ReadAt implements the dynamic-io-dispatch contract the segment
// loader consumes: seek, then read, treated as one operation. It
// satisfies image.Source.
func (f *File) ReadAt(offset uint32, p []byte) (int, error) {
	if err := f.Seek(offset); err != nil {
		return 0, err
	}
	return f.Read(p)
}
