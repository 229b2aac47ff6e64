// Command snapshot saves the next frame published by splitter as an image
// file. The file type follows the extension of --out.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/adamlouis/splitter/config"
	"github.com/adamlouis/splitter/shm"
	"github.com/adamlouis/splitter/snapshot"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("snapshot", pflag.ContinueOnError)
	out := fs.StringP("out", "o", "frame.jpg", "output file (.jpg, .png or .gif)")
	timeout := fs.Duration("timeout", 5*time.Second, "how long to wait for a frame")
	service := fs.String("service", config.ServiceName, "shared-memory service name")
	shmDir := fs.String("shm-dir", shm.DefaultDir, "directory holding shared-memory services")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	enc, err := snapshot.EncoderFor(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snapshot: %v\n", err)
		return 2
	}

	svc, err := shm.Open(*service, shm.WithDir(*shmDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "snapshot: %v\n", err)
		return 1
	}
	defer svc.Close()
	s, err := snapshot.NewSnapper(svc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snapshot: %v\n", err)
		return 1
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	img, err := s.Snap(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snapshot: %v\n", err)
		return 1
	}
	defer img.Release()

	of, err := os.Create(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snapshot: failed to create %s: %v\n", *out, err)
		return 1
	}
	if err := enc.Encode(of, img); err != nil {
		of.Close()
		fmt.Fprintf(os.Stderr, "snapshot: error writing %s: %v\n", *out, err)
		return 1
	}
	if err := of.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "snapshot: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s successfully\n", *out)
	return 0
}
