package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pgavlin/wasifs/cmd/wasifs/dump"
	"github.com/pgavlin/wasifs/cmd/wasifs/file"
	"github.com/pgavlin/wasifs/cmd/wasifs/snapshot"
	"github.com/pgavlin/wasifs/cmd/wasifs/tree"
	"github.com/pgavlin/wasifs/wasi"
)

var version = "<unknown>"

func configureCLI() *cobra.Command {
	var cpuProfile string
	var memProfile string
	var verbose bool

	rootCommand := &cobra.Command{
		Use:           "wasifs",
		Short:         "wasifs WASI filesystem tools",
		Long:          "wasifs - inspect, edit and snapshot the filesystem a WASI guest sees",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				logger, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				wasi.SetLogger(logger)
			}

			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return err
				}
				pprof.StartCPUProfile(f)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if cpuProfile != "" {
				pprof.StopCPUProfile()
			}

			if memProfile != "" {
				f, err := os.Create(memProfile)
				if err != nil {
					return err
				}
				runtime.GC()
				pprof.WriteHeapProfile(f)
			}

			wasi.Logger().Sync()
			return nil
		},
	}

	rootCommand.AddCommand(tree.Command())
	rootCommand.AddCommand(dump.Command())
	rootCommand.AddCommand(file.CatCommand())
	rootCommand.AddCommand(file.PutCommand())
	rootCommand.AddCommand(snapshot.Command())

	rootCommand.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log filesystem activity to stderr")
	rootCommand.PersistentFlags().StringVar(&cpuProfile, "cpu", "", "emit Go CPU profile data to this path")
	rootCommand.PersistentFlags().StringVar(&memProfile, "mem", "", "emit Go memory profile data to this path")

	rootCommand.PersistentFlags().MarkHidden("cpu")
	rootCommand.PersistentFlags().MarkHidden("mem")

	return rootCommand
}

func main() {
	rootCommand := configureCLI()

	if err := rootCommand.Execute(); err != nil {
		var errno wasi.Errno
		if errors.As(err, &errno) {
			fmt.Fprintf(os.Stderr, "%v (errno %d)\n", err, uint16(errno))
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
