package snapshot

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jszwec/csvutil"
	"github.com/pgavlin/wasifs/cmd/wasifs/mount"
	"github.com/pgavlin/wasifs/cmd/wasifs/tree"
	"github.com/pgavlin/wasifs/persist"
	"github.com/pgavlin/wasifs/wasi"
	"github.com/spf13/cobra"
)

const defaultDB = "wasifs.db"

// source loads a snapshot from either the store or a snapshot file.
type source struct {
	db   string
	file string
}

func (s *source) register(command *cobra.Command) {
	command.Flags().StringVar(&s.db, "db", defaultDB, "path to the snapshot database")
	command.Flags().StringVarP(&s.file, "file", "f", "", "read the snapshot from this file instead of the database")
}

func (s *source) load(args []string) (*wasi.Snapshot, error) {
	if s.file != "" {
		if len(args) != 0 {
			return nil, errors.New("expected no arguments with --file")
		}
		return persist.ReadFile(s.file)
	}
	if len(args) != 1 {
		return nil, errors.New("expected exactly one snapshot id")
	}

	store, err := persist.Open(s.db)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	rec, err := store.Load(args[0])
	if err != nil {
		return nil, err
	}
	return rec.Snapshot, nil
}

func Command() *cobra.Command {
	command := &cobra.Command{
		Use:   "snapshot",
		Short: "Save and restore filesystem snapshots",
	}
	command.AddCommand(saveCommand(), listCommand(), showCommand(), restoreCommand(), deleteCommand())
	return command
}

func saveCommand() *cobra.Command {
	var flags mount.Flags
	var db, file, label string

	command := &cobra.Command{
		Use:   "save",
		Short: "Snapshot the configured filesystem",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 {
				return errors.New("expected no arguments")
			}

			state, err := flags.Open()
			if err != nil {
				return err
			}
			defer state.Close()

			snap, err := state.Fs.Snapshot()
			if err != nil {
				return err
			}

			if file != "" {
				return persist.WriteFile(file, snap)
			}

			store, err := persist.Open(db)
			if err != nil {
				return err
			}
			defer store.Close()

			id, err := store.Save(label, snap)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}

	flags.Register(command)
	command.Flags().StringVar(&db, "db", defaultDB, "path to the snapshot database")
	command.Flags().StringVarP(&file, "file", "f", "", "write the snapshot to this file instead of the database")
	command.Flags().StringVarP(&label, "label", "l", "", "a label for the snapshot")

	return command
}

func listCommand() *cobra.Command {
	var db string

	command := &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := persist.Open(db)
			if err != nil {
				return err
			}
			defer store.Close()

			infos, err := store.List()
			if err != nil {
				return err
			}

			csvWriter := csv.NewWriter(os.Stdout)
			defer csvWriter.Flush()
			encoder := csvutil.NewEncoder(csvWriter)
			for _, info := range infos {
				if err := encoder.Encode(info); err != nil {
					return err
				}
			}
			return nil
		},
	}

	command.Flags().StringVar(&db, "db", defaultDB, "path to the snapshot database")

	return command
}

func showCommand() *cobra.Command {
	var src source

	command := &cobra.Command{
		Use:   "show [id]",
		Short: "Print a snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := src.load(args)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}

	src.register(command)

	return command
}

func restoreCommand() *cobra.Command {
	var src source
	var export string

	command := &cobra.Command{
		Use:   "restore [id]",
		Short: "Restore a snapshot and print its tree",
		Long:  "Restore a snapshot, reattaching host files inside their mounts, and print the resulting filesystem.",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := src.load(args)
			if err != nil {
				return err
			}

			fs, err := wasi.RestoreFs(snap, wasi.RestoreOptions{})
			if err != nil {
				return err
			}
			defer fs.Close()

			if err := tree.Print(os.Stdout, fs, wasi.VirtualRootFd, "/", 0); err != nil {
				return err
			}
			if export == "" {
				return nil
			}

			again, err := fs.Snapshot()
			if err != nil {
				return err
			}
			return persist.WriteFile(export, again)
		},
	}

	src.register(command)
	command.Flags().StringVar(&export, "export", "", "write the restored filesystem's snapshot to this file")

	return command
}

func deleteCommand() *cobra.Command {
	var db string

	command := &cobra.Command{
		Use:   "delete [id]...",
		Short: "Delete stored snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := persist.Open(db)
			if err != nil {
				return err
			}
			defer store.Close()

			for _, id := range args {
				if err := store.Delete(id); err != nil {
					return err
				}
			}
			return nil
		},
	}

	command.Flags().StringVar(&db, "db", defaultDB, "path to the snapshot database")

	return command
}
