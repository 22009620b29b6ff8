// Command gofat inspects and modifies FAT images without mounting them in the host.
package main

import (
	"fmt"
	"io"
	"os"

	gofat "github.com/aligator/fatengine"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

func main() {
	os.Exit(run(afero.NewOsFs(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run executes one command line and returns the exit code, which is the status code of the error.
func run(host afero.Fs, args []string, in io.Reader, out, errOut io.Writer) int {
	a := &app{
		host: host,
		in:   in,
		out:  out,
	}

	cmd := a.newCmd()
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	err := cmd.Execute()
	if unmountErr := a.unmount(); err == nil {
		err = unmountErr
	}
	if err != nil {
		fmt.Fprintln(errOut, "Error:", err)
	}
	return exitCode(err)
}

// exitCode is 0 on success, errors which do not come from the engine result in 255.
func exitCode(err error) int {
	return int(gofat.Status(err))
}

func (a *app) unmount() error {
	if a.fs == nil {
		return nil
	}

	err := a.fs.Unmount()
	a.fs = nil
	if err != nil {
		log.WithError(err).Error("could not unmount the image cleanly")
	}
	return err
}
