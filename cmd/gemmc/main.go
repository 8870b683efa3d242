package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/sbl8/gemmini/compiler"
)

func main() {
	var (
		validate = flag.Bool("validate", true, "Reject jobs the device would refuse")
		verbose  = flag.Bool("verbose", false, "Enable verbose output")
		version  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Println("gemmc - gemmini workload compiler v1.0.0")
		fmt.Printf("Built with Go %s\n", runtime.Version())
		return
	}

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <src.gems> <out.gemw>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	srcFile, outFile := args[0], args[1]

	opts := compiler.CompileOptions{
		ValidateWorkload: *validate,
		Verbose:          *verbose,
	}

	if err := compiler.CompileWithOptions(srcFile, outFile, opts); err != nil {
		log.Fatalf("compilation failed: %v", err)
	}

	fmt.Printf("Successfully compiled %s -> %s\n", srcFile, outFile)
}
