package tree

import (
	"errors"
	"os"

	"github.com/pgavlin/wasifs/cmd/wasifs/mount"
	"github.com/pgavlin/wasifs/wasi"
	"github.com/spf13/cobra"
)

func Command() *cobra.Command {
	var flags mount.Flags
	var depth int

	command := &cobra.Command{
		Use:   "tree [guest path]",
		Short: "Print the guest filesystem",
		Long:  "Print the filesystem a guest would see, starting at the virtual root or at the given guest path.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				return errors.New("expected at most one argument")
			}

			state, err := flags.Open()
			if err != nil {
				return err
			}
			defer state.Close()

			if len(args) == 0 {
				return Print(os.Stdout, state.Fs, wasi.VirtualRootFd, "/", depth)
			}

			dirFd, rel, err := mount.Resolve(state.Fs, args[0])
			if err != nil {
				return err
			}
			fd, err := state.Fs.OpenPath(dirFd, wasi.LookupSymlinkFollow, rel, wasi.O_Directory, walkRights, walkRights, 0)
			if err != nil {
				return err
			}
			defer state.Fs.CloseFd(fd)
			return Print(os.Stdout, state.Fs, fd, args[0], depth)
		},
	}

	flags.Register(command)
	command.Flags().IntVarP(&depth, "depth", "L", 0, "descend at most this many levels")

	return command
}
