package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	gofat "github.com/aligator/fatengine"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

// noMount is the annotation of commands which work on the raw image.
const noMount = "noMount"

// Config holds the defaults read from $HOME/.gofat.yml. Flags override them.
type Config struct {
	Image     string `yaml:"image"`
	BlockSize int    `yaml:"block-size"`
	Partition uint32 `yaml:"partition"`
	Verbose   int    `yaml:"verbose"`
	ReadOnly  bool   `yaml:"read-only"`
}

func defaultConfig() Config {
	return Config{
		BlockSize: 512,
		Verbose:   0,
	}
}

func configPath() string {
	return filepath.Join(os.Getenv("HOME"), ".gofat.yml")
}

// readConfig loads the config file if it exists.
func readConfig(host afero.Fs, path string) (Config, error) {
	cfg := defaultConfig()
	data, err := afero.ReadFile(host, path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %q: %w", path, err)
	}
	return cfg, nil
}

type app struct {
	host afero.Fs
	in   io.Reader
	out  io.Writer

	cfg   Config
	fs    *gofat.Fs
	shell bool
}

func (a *app) newCmd() *cobra.Command {
	var (
		flagConfig    string
		flagImage     string
		flagBlockSize int
		flagPartition uint32
		flagVerbose   int
		flagReadOnly  bool
	)

	cmd := &cobra.Command{
		Use:           "gofat",
		Short:         "work with FAT12, FAT16 and FAT32 images",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Inside of the shell the image is already mounted.
			if a.fs != nil {
				return nil
			}

			cfg, err := readConfig(a.host, flagConfig)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("image") {
				cfg.Image = flagImage
			}
			if flags.Changed("block-size") {
				cfg.BlockSize = flagBlockSize
			}
			if flags.Changed("partition") {
				cfg.Partition = flagPartition
			}
			if flags.Changed("verbose") {
				cfg.Verbose = flagVerbose
			}
			if flags.Changed("read-only") {
				cfg.ReadOnly = flagReadOnly
			}
			a.cfg = cfg

			if err := setupLogging(cfg.Verbose); err != nil {
				return err
			}

			if _, ok := cmd.Annotations[noMount]; ok {
				return nil
			}
			return a.mount()
		},
	}

	cmd.AddCommand(a.lsCmd())
	cmd.AddCommand(a.icpCmd())
	cmd.AddCommand(a.xcpCmd())
	cmd.AddCommand(a.viewCmd())
	cmd.AddCommand(a.mkdirCmd())
	cmd.AddCommand(a.rmCmd())
	cmd.AddCommand(a.mvCmd())
	cmd.AddCommand(a.cpCmd())
	cmd.AddCommand(a.mkfileCmd())
	cmd.AddCommand(a.infoCmd())
	cmd.AddCommand(a.checkCmd())
	if !a.shell {
		cmd.AddCommand(a.mkfsCmd())
		cmd.AddCommand(a.shellCmd())
	}

	cmd.PersistentFlags().StringVar(&flagConfig, "config", configPath(), "Config file with default values for the other flags")
	cmd.PersistentFlags().StringVarP(&flagImage, "image", "i", "", "Image file to work on")
	cmd.PersistentFlags().IntVar(&flagBlockSize, "block-size", 512, "Block size of the image in bytes")
	cmd.PersistentFlags().Uint32VarP(&flagPartition, "partition", "p", 0, "Partition to mount, 0 is also used for images without partition table")
	cmd.PersistentFlags().IntVarP(&flagVerbose, "verbose", "v", 0, "Verbosity of logging: 0 = warnings, 1 = info, 2 = debug")
	cmd.PersistentFlags().BoolVar(&flagReadOnly, "read-only", false, "Refuse all changes of the image")

	return cmd
}

func setupLogging(verbose int) error {
	switch verbose {
	case 0:
		log.SetLevel(log.WarnLevel)
	case 1:
		log.SetLevel(log.InfoLevel)
	case 2:
		log.SetLevel(log.DebugLevel)
	default:
		return errors.New("verbose flag can only be set to 0, 1 or 2")
	}
	return nil
}

func (a *app) mount() error {
	if a.cfg.Image == "" {
		return errors.New("no image given, use --image or set image in the config file")
	}

	opts := []gofat.Option{gofat.WithLogger(log.StandardLogger())}
	if a.cfg.ReadOnly {
		opts = append(opts, gofat.ReadOnly())
	}

	fs, err := gofat.MountImage(a.host, a.cfg.Image, a.cfg.BlockSize, a.cfg.Partition, opts...)
	if err != nil {
		return err
	}
	a.fs = fs

	log.WithFields(log.Fields{
		"image":     a.cfg.Image,
		"partition": a.cfg.Partition,
	}).Debug("mounted image")
	return nil
}
