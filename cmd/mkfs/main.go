// Command mkfs formats a new disk image and, optionally, populates it
// by recursively copying a host directory tree into the image: a
// bootable-image assembly plus skeleton-directory walk, adapted to this
// module's sector-cache file system and to a cobra/viper CLI front end
// in place of positional os.Args parsing.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ulfs/blockdev"
	"ulfs/bulog"
	"ulfs/directory"
	"ulfs/fsys"
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mkfs",
		Short: "Format a new file system image",
		RunE:  runMkfs,
	}
	flags := cmd.Flags()
	flags.String("image", "", "path to the disk image to create")
	flags.Uint32("sectors", 16384, "total sector count of the image")
	flags.String("skel", "", "optional host directory tree to copy into the image")
	cmd.MarkFlagRequired("image")
	viper.BindPFlags(flags)
	return cmd
}

func runMkfs(cmd *cobra.Command, args []string) error {
	image := viper.GetString("image")
	sectors := viper.GetUint32("sectors")
	skel := viper.GetString("skel")

	dev, err := blockdev.OpenFileDevice(image, filepath.Base(image), blockdev.RoleFilesys, blockdev.SectorCount(sectors))
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	defer dev.Close()

	volumeID := uuid.New()
	bulog.Printf("formatting %s (%d sectors) volume=%s", image, sectors, volumeID)
	if err := writeVolumeID(image, volumeID); err != nil {
		return fmt.Errorf("write volume id: %w", err)
	}
	fs := fsys.Format(dev)
	defer fs.Shutdown()

	if skel != "" {
		root := fs.OpenRootDir()
		defer root.Close()
		if err := addTree(fs, root, skel); err != nil {
			return err
		}
	}

	fs.Sync()
	bulog.Printf("done")
	return nil
}

// addTree walks skelDir on the host and replicates its files and
// directories into the file system rooted at root.
func addTree(fs *fsys.FileSystem, root *directory.Dir, skelDir string) error {
	return filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walk %q: %w", path, err)
		}
		rel := strings.TrimPrefix(path, skelDir)
		if rel == "" {
			return nil
		}

		if d.IsDir() {
			if err := fs.CreateDir(rel, root); err != nil {
				bulog.Printf("mkdir %s: %v", rel, err)
			}
			return nil
		}

		if err := fs.CreateFile(rel, 0, root); err != nil {
			bulog.Printf("create %s: %v", rel, err)
			return nil
		}
		return copyInto(fs, root, rel, path)
	})
}

// VolumeIDPath returns the sidecar metadata file mkfs writes the image's
// volume identifier to. The on-disk layout has no spare field to hold it
// (every inode and directory-entry byte is already spoken for by
// spec.md §3), so it lives next to the image instead of inside it.
func VolumeIDPath(image string) string {
	return image + ".volid"
}

func writeVolumeID(image string, id uuid.UUID) error {
	return os.WriteFile(VolumeIDPath(image), []byte(id.String()+"\n"), 0644)
}

func copyInto(fs *fsys.FileSystem, root *directory.Dir, dst, src string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	h, err := fs.OpenFile(dst, root)
	if err != nil {
		return err
	}
	defer h.Close()

	buf := make([]byte, 4096)
	var offset int64
	for {
		n, readErr := srcFile.Read(buf)
		if n > 0 {
			h.WriteAt(buf[:n], offset)
			offset += int64(n)
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
