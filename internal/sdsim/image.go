package sdsim

import (
	"fmt"
	"os"
	"path/filepath"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
)

// File is a file placed in the root directory of a generated image.
type File struct {
	Name string
	Data []byte
}

// FormatFAT32 returns a raw disk image of size bytes holding a single FAT32
// filesystem with no partition table, containing files in its root directory.
// The image is built in a temporary directory which is removed afterwards.
func FormatFAT32(size int64, label string, files ...File) ([]byte, error) {
	dir, err := os.MkdirTemp("", "sdsim")
	if err != nil {
		return nil, fmt.Errorf("sdsim: temporary image directory: %w", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "card.img")

	d, err := diskfs.Create(path, size, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return nil, fmt.Errorf("sdsim: create image: %w", err)
	}
	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: label,
	})
	if err != nil {
		return nil, fmt.Errorf("sdsim: create FAT32: %w", err)
	}
	for _, file := range files {
		f, err := fs.OpenFile("/"+file.Name, os.O_CREATE|os.O_RDWR)
		if err != nil {
			return nil, fmt.Errorf("sdsim: open %s: %w", file.Name, err)
		}
		_, err = f.Write(file.Data)
		if err != nil {
			return nil, fmt.Errorf("sdsim: write %s: %w", file.Name, err)
		}
	}
	return os.ReadFile(path)
}
