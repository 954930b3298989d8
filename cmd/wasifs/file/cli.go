package file

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
	"github.com/pgavlin/wasifs/cmd/wasifs/mount"
	"github.com/spf13/cobra"
)

func CatCommand() *cobra.Command {
	var flags mount.Flags

	command := &cobra.Command{
		Use:   "cat [guest path]...",
		Short: "Print guest files",
		Long:  "Print the contents of files as a guest would read them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("expected at least one argument")
			}

			state, err := flags.Open()
			if err != nil {
				return err
			}
			defer state.Close()

			for _, path := range args {
				if _, err := Cat(os.Stdout, state.Fs, path); err != nil {
					return fmt.Errorf("%v: %w", path, err)
				}
			}
			return nil
		},
	}

	flags.Register(command)

	return command
}

func PutCommand() *cobra.Command {
	var flags mount.Flags
	var appendMode bool
	var quiet bool

	command := &cobra.Command{
		Use:   "put [guest path] [host file]",
		Short: "Write a guest file",
		Long:  "Write a file through the guest's view of the filesystem. The contents are read from the host file, or from stdin if none is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return errors.New("expected one or two arguments")
			}

			var src io.Reader = os.Stdin
			if len(args) == 2 {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}

			state, err := flags.Open()
			if err != nil {
				return err
			}
			defer state.Close()

			n, err := Put(state.Fs, args[0], src, appendMode)
			if err != nil {
				return fmt.Errorf("%v: %w", args[0], err)
			}
			if !quiet {
				fmt.Fprintf(os.Stderr, "wrote %v to %v\n", units.HumanSize(float64(n)), args[0])
			}
			return nil
		},
	}

	flags.Register(command)
	command.Flags().BoolVarP(&appendMode, "append", "a", false, "append instead of replacing")
	command.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not report the number of bytes written")

	return command
}
