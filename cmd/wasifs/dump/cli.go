package dump

import (
	"errors"
	"os"

	"github.com/pgavlin/wasifs/cmd/wasifs/mount"
	"github.com/spf13/cobra"
)

func Command() *cobra.Command {
	var flags mount.Flags
	var fds bool

	command := &cobra.Command{
		Use:   "dump",
		Short: "Dump filesystem tables as CSV",
		Long:  "Dump the inode table (or, with --fds, the descriptor table) of the configured filesystem as CSV.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errors.New("expected no arguments")
			}

			state, err := flags.Open()
			if err != nil {
				return err
			}
			defer state.Close()

			if fds {
				return dumpFds(os.Stdout, state.Fs)
			}
			return dumpInodes(os.Stdout, state.Fs)
		},
	}

	flags.Register(command)
	command.Flags().BoolVar(&fds, "fds", false, "dump the descriptor table instead of the inode table")

	return command
}
