// Command vsimc is the ahead-of-time compiler driver: it assembles
// textual IR files and emits a single relocatable object containing every
// function, the shared module constructor and the ABI version global.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vsimhq/vsim/jit"
	"github.com/vsimhq/vsim/jit/ir"
	"github.com/vsimhq/vsim/jit/llvmgen"
)

var (
	output  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "vsimc",
	Short:         "vsim ahead-of-time code generator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var buildCmd = &cobra.Command{
	Use:   "build <file.vir> [files...]",
	Short: "Compile textual IR into an object file",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBuild,
}

func init() {
	buildCmd.Flags().StringVarP(&output, "output", "o", "", "object file to write")
	buildCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print each compiled function")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	engine := jit.NewEngine()
	defer engine.Close()

	for _, path := range args {
		fd, err := os.Open(path)
		if err != nil {
			return err
		}
		unit, err := ir.Parse(fd)
		fd.Close()
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		engine.RegisterUnit(unit)
	}

	name := output
	if name == "" {
		base := filepath.Base(args[0])
		name = strings.TrimSuffix(base, filepath.Ext(base)) + ".o"
	}

	obj, err := llvmgen.NewObj(strings.TrimSuffix(filepath.Base(name), ".o"))
	if err != nil {
		return err
	}

	for _, f := range engine.Funcs() {
		if verbose {
			fmt.Fprintf(os.Stderr, "compiling %s\n", f.Name)
		}
		obj.Compile(f)
	}

	return obj.Emit(name)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vsimc:", err)
		os.Exit(1)
	}
}
