package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/tinyrange/ccvmm/internal/config"
	"github.com/tinyrange/ccvmm/internal/hv"
	"github.com/tinyrange/ccvmm/internal/hv/hvf"
	"github.com/tinyrange/ccvmm/internal/linux/boot/arm64"
	"github.com/tinyrange/ccvmm/internal/metrics"
	"github.com/tinyrange/ccvmm/internal/timeslice"
	"github.com/tinyrange/ccvmm/internal/vmm"
)

// maxReboots bounds guest-initiated restarts so a crash loop terminates.
const maxReboots = 16

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ccvmm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultFilename, "Machine description to boot")
	initPath := flag.String("init", "", "Write a machine description template to this path and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	timeslicePath := flag.String("timeslice", "", "Record vCPU timeslices to this file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Boot an arm64 Linux guest described by a YAML machine description.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -init ccvmm.yaml\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config ccvmm.yaml -debug\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *initPath != "" {
		if err := config.WriteTemplate(*initPath, config.Config{Kernel: "Image"}); err != nil {
			return err
		}
		slog.Info("Wrote machine description", "path", *initPath)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	kernel, err := arm64.OpenKernel(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}
	var initrd []byte
	if cfg.Initrd != "" {
		initrd, err = os.ReadFile(cfg.Initrd)
		if err != nil {
			return fmt.Errorf("load initrd: %w", err)
		}
	}

	if *timeslicePath != "" {
		f, err := os.Create(*timeslicePath)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()
		rec, err := timeslice.Start(f)
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				slog.Warn("Failed to flush timeslices", "error", err)
			}
		}()
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	h, err := hvf.Open()
	if err != nil {
		return fmt.Errorf("open hypervisor: %w", err)
	}
	defer h.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Put stdin into raw mode so control characters reach the guest.
	stdin := int(os.Stdin.Fd())
	if cfg.Console == config.ConsoleStdio && term.IsTerminal(stdin) {
		oldState, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(stdin, oldState)
	}

	relay := &stdinRelay{}
	if cfg.Console == config.ConsoleStdio {
		go relay.pump(os.Stdin)
	}

	for boot := 0; ; boot++ {
		err := runOnce(ctx, h, cfg, vmm.Options{
			Kernel:     kernel,
			Initrd:     initrd,
			ConsoleOut: os.Stdout,
			ConsoleIn:  relay.attach(),
		})
		if !errors.Is(err, hv.ErrGuestRequestedReboot) {
			return err
		}
		if boot >= maxReboots {
			return fmt.Errorf("guest rebooted %d times: %w", boot+1, err)
		}
		slog.Info("Rebooting guest")
	}
}

func runOnce(ctx context.Context, h hv.Hypervisor, cfg *config.Config, opts vmm.Options) error {
	m, err := vmm.New(h, cfg, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			slog.Warn("Failed to release machine", "error", err)
		}
	}()

	if c := m.Console(); c != nil {
		stopResize := watchResize(func() {
			cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
			if err != nil {
				return
			}
			if err := c.SetSize(uint16(cols), uint16(rows)); err != nil {
				slog.Debug("Failed to resize console", "error", err)
			}
		})
		defer stopResize()
	}

	slog.Info("Starting VM", "cpus", cfg.CPUs, "memory", cfg.Memory.String())
	if err := m.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("Interrupted")
			return nil
		}
		return err
	}
	slog.Info("Guest powered off")
	return nil
}

// stdinRelay forwards stdin to the console of the current boot. Each attach
// ends the previous reader with EOF.
type stdinRelay struct {
	mu sync.Mutex
	w  *io.PipeWriter
}

func (r *stdinRelay) attach() io.Reader {
	pr, pw := io.Pipe()
	r.mu.Lock()
	if r.w != nil {
		r.w.Close()
	}
	r.w = pw
	r.mu.Unlock()
	return pr
}

func (r *stdinRelay) pump(src io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			r.mu.Lock()
			w := r.w
			r.mu.Unlock()
			if w != nil {
				// A write racing with attach lands on the old, closed pipe.
				_, _ = w.Write(buf[:n])
			}
		}
		if err != nil {
			return
		}
	}
}
