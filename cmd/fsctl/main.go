// Command fsctl inspects and exercises an existing file system image:
// stat resolves a path and reports its sector/length/kind, fsck walks
// the whole tree checking that every listed entry resolves, and vmdemo
// exercises the virtual memory subsystem (touch more anonymous stack
// pages than there are frames, forcing eviction to swap, then check
// every page is still mapped). Built on cobra/viper rather than
// positional argument parsing.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ulfs/blockdev"
	"ulfs/bulog"
	"ulfs/directory"
	"ulfs/fsys"
	"ulfs/vmsys"
)

func main() {
	root := &cobra.Command{Use: "fsctl", Short: "Inspect and exercise a file system image"}
	root.PersistentFlags().String("image", "", "path to the disk image")
	root.MarkPersistentFlagRequired("image")
	viper.BindPFlags(root.PersistentFlags())

	root.AddCommand(newStatCmd(), newFsckCmd(), newVMDemoCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// volumeID reads the sidecar identifier mkfs wrote alongside image, if
// any. Older or foreign images have none, which is not an error.
func volumeID(image string) string {
	b, err := os.ReadFile(image + ".volid")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func openImage() (*fsys.FileSystem, *blockdev.FileDevice, error) {
	image := viper.GetString("image")
	info, err := os.Stat(image)
	if err != nil {
		return nil, nil, fmt.Errorf("stat image: %w", err)
	}
	sectors := blockdev.SectorCount(info.Size() / blockdev.SectorSize)
	dev, err := blockdev.OpenFileDevice(image, image, blockdev.RoleFilesys, sectors)
	if err != nil {
		return nil, nil, err
	}
	return fsys.Open(dev), dev, nil
}

func newStatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stat PATH",
		Short: "Report a path's sector, length, and kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, dev, err := openImage()
			if err != nil {
				return err
			}
			defer dev.Close()
			defer fs.Shutdown()

			st, err := fs.StatPath(args[0], nil)
			if err != nil {
				return err
			}
			fmt.Printf("sector=%d length=%d dir=%v\n", st.Sector, st.Length, st.IsDir)
			if id := volumeID(viper.GetString("image")); id != "" {
				fmt.Printf("volume=%s\n", id)
			}
			return nil
		},
	}
	return cmd
}

func newFsckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fsck",
		Short: "Walk the tree from root, checking every entry resolves",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs, dev, err := openImage()
			if err != nil {
				return err
			}
			defer dev.Close()
			defer fs.Shutdown()

			root := fs.OpenRootDir()
			defer root.Close()

			var bad int
			walkDir(fs, root, "/", &bad)
			bulog.Printf("fsck: %d problems found", bad)
			if bad > 0 {
				return fmt.Errorf("%d problems found", bad)
			}
			return nil
		},
	}
}

func walkDir(fs *fsys.FileSystem, d *directory.Dir, prefix string, bad *int) {
	for {
		name, ok := d.Readdir()
		if !ok {
			return
		}
		sector, isDir, found := d.Lookup(name)
		if !found {
			*bad++
			bulog.Printf("fsck: %s%s: entry vanished mid-scan", prefix, name)
			continue
		}
		if isDir {
			child := directory.Open(fs.Registry().Open(sector))
			walkDir(fs, child, prefix+name+"/", bad)
			child.Close()
		}
	}
}

func newVMDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vmdemo",
		Short: "Exercise frame eviction and swap over a handful of pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			numFrames, _ := cmd.Flags().GetInt("frames")
			numPages, _ := cmd.Flags().GetInt("pages")

			swapDev := blockdev.NewMemDevice("vmdemo-swap", blockdev.RoleSwap, 4096)
			sys := vmsys.New(numFrames, swapDev)
			space := sys.NewSpace()

			for i := 0; i < numPages; i++ {
				if err := space.SetStackPage(uint64(i)); err != nil {
					return err
				}
				fr := space.LoadPage(uint64(i))
				fr.Bytes()[0] = byte(i)
				space.MarkDirty(uint64(i))
				fr.Unpin()
			}

			for i := 0; i < numPages; i++ {
				if !space.IsMapped(uint64(i)) {
					return fmt.Errorf("page %d lost", i)
				}
			}
			bulog.Printf("vmdemo: %d pages over %d frames, ok", numPages, numFrames)
			return nil
		},
	}
	cmd.Flags().Int("frames", 4, "number of physical frames to simulate")
	cmd.Flags().Int("pages", 16, "number of pages to touch, forcing eviction once pages exceed frames")
	return cmd
}
