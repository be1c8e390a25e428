package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/client"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/service"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/core/traceconfig"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/codec"
	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/shared/id"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	addr     string
	duration time.Duration
	interval time.Duration
	encoding string
	output   string
	verbose  bool
}

func run() error {
	var opts options

	flagSet := pflag.NewFlagSet("tracectl", pflag.ContinueOnError)
	flagSet.StringVar(&opts.addr, "addr", "http://127.0.0.1:8090", "traced base URL")
	flagSet.DurationVarP(&opts.duration, "duration", "d", 0, "stop tracing after this long (default: the config's duration_ms, else until interrupted)")
	flagSet.DurationVar(&opts.interval, "interval", 500*time.Millisecond, "how often to read the buffers")
	flagSet.StringVar(&opts.encoding, "encoding", string(codec.EncodingZstd), "read response encoding (identity, zstd, lz4, gzip)")
	flagSet.StringVarP(&opts.output, "output", "o", "", "write chunks to this file as a CBOR sequence")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "print every chunk")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(flagSet)
		return errors.New("no command given")
	}

	clientOpts := client.DefaultOptions()
	clientOpts.Encoding = codec.Encoding(opts.encoding)
	c := client.New(opts.addr, clientOpts)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "sources":
		return listSources(ctx, c)
	case "producers":
		return listProducers(ctx, c)
	case "trace":
		if len(args) != 2 {
			return errors.New("usage: tracectl trace [flags] <config-file>")
		}
		return trace(ctx, c, args[1], opts)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `tracectl - record traces from traced

Usage:
  tracectl [flags] sources
  tracectl [flags] producers
  tracectl [flags] trace <config-file>

Flags:
`)
	flagSet.PrintDefaults()
}

func listSources(ctx context.Context, c *client.Client) error {
	sources, err := c.DataSources(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPRODUCER\tID\tCAPABILITIES")
	for _, ds := range sources {
		fmt.Fprintf(w, "%s\t%d\t%d\t%v\n", ds.Name, ds.ProducerID, ds.DataSourceID, ds.Capabilities)
	}
	return w.Flush()
}

func listProducers(ctx context.Context, c *client.Client) error {
	producers, err := c.Producers(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSHM\tQUARANTINED\tDATA SOURCES")
	for _, p := range producers {
		fmt.Fprintf(w, "%d\t%s\t%d\t%t\t%d\n", p.ID, p.Name, p.ShmSize, p.Quarantined, len(p.DataSources))
	}
	return w.Flush()
}

func trace(ctx context.Context, c *client.Client, path string, opts options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	format := traceconfig.FormatFromPath(path)
	cfg, err := traceconfig.Parse(data, format)
	if err != nil {
		return err
	}
	if opts.duration == 0 && cfg.DurationMs > 0 {
		opts.duration = time.Duration(cfg.DurationMs) * time.Millisecond
	}

	var out io.Writer = io.Discard
	if opts.output != "" {
		f, err := os.Create(opts.output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	rec := &recorder{out: out, verbose: opts.verbose}

	// the session outlives a cancelled ctx long enough to be torn down
	cleanup := context.WithoutCancel(ctx)

	token, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer c.Disconnect(cleanup, token)

	if err := c.EnableTracing(ctx, token, data, format); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "tracing as %s (%d buffers, %d data sources)\n", token, len(cfg.Buffers), len(cfg.DataSources))

	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

poll:
	for {
		select {
		case <-ctx.Done():
			break poll
		case <-deadline:
			break poll
		case <-ticker.C:
			if err := rec.read(ctx, c, token); err != nil {
				return err
			}
		}
	}

	if err := c.DisableTracing(cleanup, token); err != nil {
		return err
	}
	if err := rec.read(cleanup, c, token); err != nil {
		return err
	}
	st, err := c.Stats(cleanup, token)
	if err != nil {
		return err
	}
	printStats(st, rec)
	return c.FreeBuffers(cleanup, token)
}

type recorder struct {
	out     io.Writer
	verbose bool
	chunks  int
	bytes   int
}

func (r *recorder) read(ctx context.Context, c *client.Client, token id.ConsumerToken) error {
	resp, err := c.ReadBuffers(ctx, token)
	if err != nil {
		return err
	}
	for _, ch := range resp.Chunks {
		if r.verbose {
			fmt.Fprintf(os.Stderr, "producer=%d buffer=%d writer=%d chunk=%d %dB\n",
				ch.ProducerID, ch.BufferID, ch.WriterID, ch.ChunkID, len(ch.Payload))
		}
		enc, err := codec.Marshal(ch)
		if err != nil {
			return err
		}
		if _, err := r.out.Write(enc); err != nil {
			return err
		}
	}
	r.chunks += resp.Count
	r.bytes += resp.Bytes
	return nil
}

func printStats(st service.SessionStats, rec *recorder) {
	fmt.Fprintf(os.Stderr, "session %s: read %d chunks (%d bytes)\n", st.SessionID, rec.chunks, rec.bytes)
	w := tabwriter.NewWriter(os.Stderr, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BUFFER\tSIZE\tWRITTEN\tOVERWRITTEN\tLOST\tCHUNKS\tWRITERS")
	for _, b := range st.Buffers {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			b.ID, b.SizeBytes, b.PagesWritten, b.PagesOverwritten, b.PagesLost, b.ChunksCopied, b.Writers)
	}
	w.Flush()
	fmt.Fprintf(os.Stderr, "chunk size mean %.1f stddev %.1f, torn %d\n", st.ChunkSizeMean, st.ChunkSizeStdDev, st.ChunksTorn)
}
