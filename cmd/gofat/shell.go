package main

import (
	"bufio"
	"errors"
	"fmt"

	gofat "github.com/aligator/fatengine"
	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
)

var errExit = errors.New("exit")

func (a *app) shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "read commands line by line and run them on the mounted image",
		Long: `Read commands line by line and run them on the mounted image.
Every line is split like a shell would do it, so names with spaces have to be quoted.
The image stays mounted until the input ends or "exit" is read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scanner := bufio.NewScanner(a.in)
			for scanner.Scan() {
				err := a.execute(scanner.Text())
				if errors.Is(err, errExit) {
					return nil
				}
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Error (%v): %v\n", gofat.Status(err), err)
				}
			}
			return scanner.Err()
		},
	}
}

// execute runs a single command line against the mounted image.
func (a *app) execute(commandLine string) error {
	args, err := shellwords.Parse(commandLine)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	if args[0] == "exit" || args[0] == "quit" {
		return errExit
	}

	sub := &app{
		host:  a.host,
		in:    a.in,
		out:   a.out,
		cfg:   a.cfg,
		fs:    a.fs,
		shell: true,
	}
	cmd := sub.newCmd()
	cmd.SetArgs(args)
	cmd.SetOut(a.out)
	return cmd.Execute()
}
