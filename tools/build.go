///usr/bin/true; exec /usr/bin/env go run "$0" "$@"

//go:build ignore

package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const PACKAGE_NAME = "github.com/tinyrange/ccvmm"

// Hypervisor.framework refuses to create a VM in an unsigned process.
const entitlements = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>com.apple.security.hypervisor</key>
	<true/>
</dict>
</plist>
`

type buildOptions struct {
	Package    string
	OutputDir  string
	OutputName string
	GOOS       string
	GOARCH     string
	Race       bool
}

func (o buildOptions) output() string {
	name := o.OutputName
	if o.GOOS == "windows" {
		name += ".exe"
	}
	if o.GOOS != runtime.GOOS || o.GOARCH != runtime.GOARCH {
		name = fmt.Sprintf("%s_%s_%s", o.OutputName, o.GOOS, o.GOARCH)
	}
	return filepath.Join(o.OutputDir, name)
}

func goBuild(opts buildOptions) (string, error) {
	output := opts.output()
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return "", fmt.Errorf("failed to create build directory: %w", err)
	}

	env := append(os.Environ(), "GOOS="+opts.GOOS, "GOARCH="+opts.GOARCH)
	args := []string{"build", "-o", output}
	if opts.Race {
		env = append(env, "CGO_ENABLED=1")
		args = append(args, "-race")
	} else {
		env = append(env, "CGO_ENABLED=0")
	}
	args = append(args, PACKAGE_NAME+"/"+opts.Package)

	if err := run(env, "go", args...); err != nil {
		return "", fmt.Errorf("go build failed: %w", err)
	}

	if opts.GOOS == "darwin" && opts.GOARCH == "arm64" {
		if runtime.GOOS != "darwin" {
			fmt.Fprintf(os.Stderr, "warning: %s is unsigned; sign it on macOS before running\n", output)
			return output, nil
		}
		if err := codesign(output); err != nil {
			return "", err
		}
	}
	return output, nil
}

func codesign(binary string) error {
	f, err := os.CreateTemp("", "ccvmm-*.entitlements")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(entitlements); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := run(nil, "codesign", "--force", "--sign", "-", "--entitlements", f.Name(), binary); err != nil {
		return fmt.Errorf("failed to codesign output: %w", err)
	}
	return nil
}

func run(env []string, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func main() {
	goos := flag.String("os", runtime.GOOS, "Target GOOS")
	goarch := flag.String("arch", runtime.GOARCH, "Target GOARCH")
	outDir := flag.String("o", "build", "Output directory")
	race := flag.Bool("race", false, "Build with the race detector")
	test := flag.Bool("test", false, "Run the test suite instead of building")
	runAfter := flag.Bool("run", false, "Run the built binary with the arguments after --")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] [-- ccvmm args...]\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *test {
		args := []string{"test"}
		if *race {
			args = append(args, "-race")
		}
		args = append(args, "./...")
		if err := run(nil, "go", args...); err != nil {
			os.Exit(1)
		}
		return
	}

	out, err := goBuild(buildOptions{
		Package:    "cmd/ccvmm",
		OutputDir:  *outDir,
		OutputName: "ccvmm",
		GOOS:       *goos,
		GOARCH:     *goarch,
		Race:       *race,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(out)

	if *runAfter {
		if *goos != runtime.GOOS || *goarch != runtime.GOARCH {
			fmt.Fprintf(os.Stderr, "error: cannot run a %s/%s binary here\n", *goos, *goarch)
			os.Exit(1)
		}
		if err := run(nil, out, flag.Args()...); err != nil {
			if !strings.Contains(err.Error(), "exit status") {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			os.Exit(1)
		}
	}
}
