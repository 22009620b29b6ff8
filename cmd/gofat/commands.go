package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	gofat "github.com/aligator/fatengine"
	units "github.com/docker/go-units"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04"

func (a *app) printInfo(name string, info os.FileInfo, long bool) {
	if info.IsDir() && !strings.HasSuffix(name, "/") {
		name += "/"
	}
	if !long {
		fmt.Fprintln(a.out, name)
		return
	}

	kind := "     "
	if info.IsDir() {
		kind = "<DIR>"
	}
	fmt.Fprintf(a.out, "%s %10d %s %s\n", kind, info.Size(), info.ModTime().Format(timeLayout), name)
}

func (a *app) lsCmd() *cobra.Command {
	var (
		long      bool
		recursive bool
	)
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "list the content of a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "/"
			if len(args) == 1 {
				dir = args[0]
			}

			if recursive {
				return afero.Walk(a.fs, dir, func(path string, info os.FileInfo, err error) error {
					if err != nil {
						return err
					}
					a.printInfo(path, info, long)
					return nil
				})
			}

			it, err := a.fs.List(dir)
			if err != nil {
				return err
			}
			for it.Next() {
				e := it.Entry()
				a.printInfo(e.Name, e.FileInfo(), long)
			}
			return it.Err()
		},
	}

	cmd.Flags().BoolVarP(&long, "long", "l", false, "Show size and modification time")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "List all subdirectories")

	return cmd
}

func (a *app) icpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "icp <host file> <image path>",
		Short: "copy a file into the image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.fs.CopyIn(a.host, args[0], args[1])
			if err != nil {
				return err
			}
			log.Infof("copied %s into %s", units.BytesSize(float64(n)), args[1])
			return nil
		},
	}
}

func (a *app) xcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "xcp <image path> <host file>",
		Short: "copy a file out of the image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.fs.CopyOut(a.host, args[0], args[1])
			if err != nil {
				return err
			}
			log.Infof("copied %s to %s", units.BytesSize(float64(n)), args[1])
			return nil
		},
	}
}

func (a *app) viewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view <image path>",
		Short: "print the content of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.fs.ReadFile(args[0])
			if err != nil {
				return err
			}
			_, err = a.out.Write(data)
			return err
		},
	}
}

func (a *app) mkdirCmd() *cobra.Command {
	var parents bool
	cmd := &cobra.Command{
		Use:   "mkdir <image path>",
		Short: "create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if parents {
				return a.fs.MkdirAll(args[0], 0777)
			}
			return a.fs.Mkdir(args[0], 0777)
		},
	}

	cmd.Flags().BoolVar(&parents, "parents", false, "Create missing parent directories")

	return cmd
}

func (a *app) rmCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm <image path>",
		Short: "remove a file or an empty directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if recursive {
				return a.fs.RemoveAll(args[0])
			}
			return a.fs.Remove(args[0])
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Remove directories with all their content")

	return cmd
}

func (a *app) mvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <image path> <new image path>",
		Short: "move or rename a file or directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := a.fs.Move(args[0], args[1])
			return err
		},
	}
}

func (a *app) cpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cp <image path> <new image path>",
		Short: "copy a file inside of the image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.fs.Copy(args[0], args[1])
			if err != nil {
				return err
			}
			log.Infof("copied %s to %s", units.BytesSize(float64(n)), args[1])
			return nil
		},
	}
}

func (a *app) mkfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkfile <image path> <size>",
		Short: "create a zero filled file, for example mkfile /SWAP.BIN 1M",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := units.RAMInBytes(args[1])
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", args[1], err)
			}

			f, err := a.fs.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
			if err != nil {
				return err
			}
			if err := f.Truncate(size); err != nil {
				_ = f.Close()
				return err
			}
			return f.Close()
		},
	}
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "show the geometry and usage of the volume",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.fs.Info()
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "Type:          %v\n", info.Type)
			fmt.Fprintf(a.out, "Label:         %s\n", info.Label)
			fmt.Fprintf(a.out, "Serial:        %04X-%04X\n", info.SerialNumber>>16, info.SerialNumber&0xFFFF)
			fmt.Fprintf(a.out, "Cluster size:  %s\n", units.BytesSize(float64(info.ClusterSize)))
			fmt.Fprintf(a.out, "Clusters:      %d (%d free)\n", info.TotalClusters, info.FreeClusters)
			fmt.Fprintf(a.out, "Size:          %s (%s free)\n", units.BytesSize(float64(info.TotalBytes())), units.BytesSize(float64(info.FreeBytes())))
			return nil
		},
	}
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "scan the volume for lost and cross linked clusters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.fs.Check()
			if err != nil {
				return err
			}

			for _, c := range report.CrossLinked {
				fmt.Fprintf(a.out, "cross linked cluster %d\n", c)
			}
			if len(report.Lost) > 0 {
				fmt.Fprintf(a.out, "%d lost clusters\n", len(report.Lost))
			}
			for _, p := range report.SizeMismatch {
				fmt.Fprintf(a.out, "size does not match the chain: %s\n", p)
			}
			if report.FreeCached != report.FreeScanned {
				fmt.Fprintf(a.out, "free cluster count is %d but %d clusters are free\n", report.FreeCached, report.FreeScanned)
			}

			if !report.OK() {
				return fmt.Errorf("%w: check found problems", gofat.ErrInvalidFilesystem)
			}
			fmt.Fprintln(a.out, "no problems found")
			return nil
		},
	}
}

func (a *app) mkfsCmd() *cobra.Command {
	var (
		size              string
		fatType           uint8
		label             string
		sectorsPerCluster uint32
		startBlock        uint64
	)
	cmd := &cobra.Command{
		Use:         "mkfs",
		Short:       "format the image, creating it if --size is given",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{noMount: ""},
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Image == "" {
				return errors.New("no image given, use --image or set image in the config file")
			}

			var (
				dev *gofat.ImageDevice
				err error
			)
			if size != "" {
				bytes, err := units.RAMInBytes(size)
				if err != nil {
					return fmt.Errorf("invalid size %q: %w", size, err)
				}
				dev, err = gofat.CreateImage(a.host, a.cfg.Image, a.cfg.BlockSize, uint64(bytes)/uint64(a.cfg.BlockSize))
				if err != nil {
					return err
				}
			} else {
				dev, err = gofat.OpenImage(a.host, a.cfg.Image, a.cfg.BlockSize)
				if err != nil {
					return err
				}
			}

			err = gofat.Format(dev, gofat.FormatConfig{
				Type:              gofat.FATType(fatType),
				SectorsPerCluster: sectorsPerCluster,
				StartBlock:        startBlock,
				Label:             label,
				Log:               log.StandardLogger(),
			})
			if closeErr := dev.Close(); err == nil {
				err = closeErr
			}
			return err
		},
	}

	cmd.Flags().StringVar(&size, "size", "", "Create the image with this size, for example 10M")
	cmd.Flags().Uint8Var(&fatType, "type", 0, "FAT type 12, 16 or 32, chosen by size if not set")
	cmd.Flags().StringVar(&label, "label", "", "Volume label")
	cmd.Flags().Uint32Var(&sectorsPerCluster, "sectors-per-cluster", 0, "Sectors per cluster, chosen by size if not set")
	cmd.Flags().Uint64Var(&startBlock, "start", 0, "First block of the volume inside of the image")

	return cmd
}
