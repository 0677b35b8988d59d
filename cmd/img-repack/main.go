// Command img-repack repacks a container image into a semantically
// equivalent image whose layers are laid out to minimize pull time.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/tweag/img-repack/pkg/progress"
	"github.com/tweag/img-repack/pkg/reference"
	"github.com/tweag/img-repack/pkg/repack"
	"github.com/tweag/img-repack/pkg/units"
)

const version = "0.1.0"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	os.Exit(run(ctx, os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	var targetSize units.Size
	var concurrency int
	var compressionLevel int
	var platformFlag string
	var keepTempFiles bool
	var showVersion bool
	var verbose bool

	flagSet := flag.NewFlagSet("img-repack", flag.ContinueOnError)
	flagSet.Usage = func() {
		fmt.Fprintf(flagSet.Output(), "Repack a container image into a layer layout that minimizes pull time.\n\n")
		fmt.Fprintf(flagSet.Output(), "Usage: img-repack [OPTIONS] <SOURCE> <OUTPUT_DIR>\n")
		flagSet.PrintDefaults()
		examples := []string{
			"img-repack --target-size 50MB docker://docker.io/library/python:3.12 ./out",
			"img-repack --target-size 100MiB --platform linux/{amd64,arm64} oci://./input.oci ./out",
			"img-repack --target-size 50MB --concurrency 4 --keep-temp-files ./my-layout ./out",
		}
		fmt.Fprintf(flagSet.Output(), "\nExamples:\n")
		for _, example := range examples {
			fmt.Fprintf(flagSet.Output(), "  $ %s\n", example)
		}
	}
	flagSet.Var(&targetSize, "target-size", "Target uncompressed size per output layer, e.g. \"50MB\", \"1.5GiB\" (required)")
	flagSet.IntVar(&concurrency, "concurrency", runtime.NumCPU(), "Number of worker goroutines for hashing and layer writing")
	flagSet.IntVar(&compressionLevel, "compression-level", 14, "zstd compression level")
	flagSet.StringVar(&platformFlag, "platform", "linux/*", "Platform selector glob, e.g. \"linux/amd64\" or \"linux/{amd64,arm64}\"")
	flagSet.BoolVar(&keepTempFiles, "keep-temp-files", false, "Retain decompressed source layers and temp blobs")
	flagSet.BoolVar(&showVersion, "V", false, "Print version and exit")
	flagSet.BoolVar(&showVersion, "version", false, "Print version and exit")
	flagSet.BoolVar(&verbose, "verbose", false, "Enable debug logging")

	if err := flagSet.Parse(args); err != nil {
		return 1
	}
	if showVersion {
		fmt.Fprintf(os.Stdout, "img-repack %s\n", version)
		return 0
	}
	if flagSet.NArg() != 2 {
		flagSet.Usage()
		return 1
	}
	if targetSize.Bytes == 0 {
		fmt.Fprintln(os.Stderr, "img-repack: --target-size is required")
		flagSet.Usage()
		return 1
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	src, err := reference.Parse(flagSet.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "img-repack: %v\n", err)
		return 1
	}
	outputDir := flagSet.Arg(1)

	platform, err := reference.ParsePlatformSelector(platformFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "img-repack: %v\n", err)
		return 1
	}

	updates := make(chan progress.Update, 32)
	reporter := progress.NewReporter(os.Stderr, 0)
	done := make(chan struct{})
	if isTerminal(os.Stderr) {
		go func() {
			reporter.Run(updates)
			close(done)
		}()
	} else {
		go func() {
			for range updates {
			}
			close(done)
		}()
	}

	summary, err := repack.Run(ctx, repack.Options{
		Source:           src,
		OutputDir:        outputDir,
		TargetSize:       targetSize.Bytes,
		Concurrency:      concurrency,
		CompressionLevel: compressionLevel,
		Platform:         platform,
		KeepTempFiles:    keepTempFiles,
		RefAnnotation:    src.RefName(),
		Log:              log,
		Updates:          updates,
	})
	close(updates)
	<-done

	if err != nil {
		fmt.Fprintf(os.Stderr, "img-repack: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stdout, "repacked %d platform(s) into %d layer(s), %s compressed\n",
		summary.Platforms, summary.Layers, units.HumanSize(summary.CompressedBytes))
	return 0
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}
