package goadcmd

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/dtolpin/gotape/transform"
)

// Cmd holds the output streams goad writes to; Run parses the
// arguments and is its entry point, which cmd/goad/main.go reaches
// through Main.
type Cmd struct {
	Stdout io.Writer
	Stderr io.Writer
}

const usage = `usage: goad [-prefix p] [-fold=true|false] [-config file] [-dump] <model-dir>

goad differentiates the model package at <model-dir> in place,
writing the result to its "ad" subpackage (see transform.Deriv).

Flags:
  -prefix string   prefix for generated identifiers (default "_")
  -fold            constant-fold provably-constant expressions (default true)
  -config file     optional goad.yaml with default values for the flags above
  -dump            print the effective configuration and exit without
                    transforming anything
`

// Run parses args (as os.Args[1:]) and performs one invocation of
// goad, returning the process exit code.
func (c *Cmd) Run(args []string) int {
	fs := flag.NewFlagSet("goad", flag.ContinueOnError)
	fs.SetOutput(c.Stderr)
	fs.Usage = func() { fmt.Fprint(c.Stderr, usage) }

	prefix := fs.String("prefix", "", "prefix for generated identifiers")
	foldStr := fs.String("fold", "", "constant-fold provably-constant expressions (true/false)")
	configPath := fs.String("config", "", "optional goad.yaml defaults file")
	dump := fs.Bool("dump", false, "print effective configuration and exit")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 2
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	mpath := fs.Arg(0)

	cfg := &Config{}
	if *configPath != "" {
		var err error
		cfg, err = LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(c.Stderr, err)
			return 1
		}
	} else if def, err := LoadConfig(filepath.Join(mpath, "goad.yaml")); err == nil {
		cfg = def
	}

	effectivePrefix := "_"
	if cfg.Prefix != "" {
		effectivePrefix = cfg.Prefix
	}
	if *prefix != "" {
		effectivePrefix = *prefix
	}

	effectiveFold := true
	if cfg.Fold != nil {
		effectiveFold = *cfg.Fold
	}
	if *foldStr != "" {
		effectiveFold = *foldStr == "true"
	}

	if *dump {
		enc := yaml.NewEncoder(c.Stdout)
		defer enc.Close()
		_ = enc.Encode(map[string]interface{}{
			"model":  mpath,
			"prefix": effectivePrefix,
			"fold":   effectiveFold,
		})
		return 0
	}

	transform.Fold = effectiveFold
	if err := transform.Deriv(mpath, effectivePrefix); err != nil {
		fmt.Fprintf(c.Stderr, "goad: %v\n", err)
		return 1
	}
	fmt.Fprintf(c.Stdout, "goad: differentiated %s into %s\n",
		mpath, filepath.Join(mpath, "ad"))
	return 0
}

// Main is the os.Exit-free core of cmd/goad: construct a Cmd against
// the real stdio and run it.
func Main(args []string) int {
	c := &Cmd{Stdout: os.Stdout, Stderr: os.Stderr}
	return c.Run(args)
}
