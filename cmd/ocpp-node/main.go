package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/juju/gnuflag"

	"ocppmesh/internal/config"
	"ocppmesh/internal/crypto"
	"ocppmesh/internal/daemon"
	"ocppmesh/internal/metrics"
	"ocppmesh/internal/node"
	"ocppmesh/internal/pprofutil"
	"ocppmesh/internal/proto"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: ocpp-node <run|status|keygen> [args]")
	fmt.Fprintln(w, "  run     --config <file> [--debug]")
	fmt.Fprintln(w, "  status  [--home <dir>] [--recent 10]")
	fmt.Fprintln(w, "  keygen  [--home <dir>] [--bits 3072] [--id <node id>]")
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".ocppmesh")
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := gnuflag.NewFlagSet("run", gnuflag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "node configuration file (YAML)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(true, args); err != nil {
		return 1
	}
	if *path == "" {
		fmt.Fprintln(stderr, "missing --config")
		return 1
	}
	if *debug {
		_ = os.Setenv("OCPPMESH_DEBUG", "1")
	}
	if err := pprofutil.StartFromEnv(); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	runner, err := daemon.NewRunner(cfg, daemon.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ready := make(chan daemon.Listening, 1)
	go func() {
		l, ok := <-ready
		if ok {
			fmt.Fprintf(stdout, "READY node_id=%s ws=%s quic=%s metrics=%s\n", runner.Self.ID, l.WebSocket, l.QUIC, l.Metrics)
		}
	}()
	err = runner.Run(ctx, ready)
	close(ready)
	if err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := gnuflag.NewFlagSet("status", gnuflag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", homeDir(), "node home directory")
	recent := fs.Int("recent", 10, "forwarding decisions to show")
	if err := fs.Parse(true, args); err != nil {
		return 1
	}
	snap, err := metrics.ReadSnapshot(filepath.Join(*home, "metrics.json"))
	if err != nil {
		fmt.Fprintf(stderr, "status: no snapshot: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Snapshot at %s\n", snap.GeneratedAt.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(stdout, "  connections: %d  pending requests: %d\n", snap.CurrentConns, snap.Pending)
	fmt.Fprintf(stdout, "  frames: received=%d sent=%d decode_errors=%d send_errors=%d\n",
		snap.Frames.Received, snap.Frames.Sent, snap.Frames.DecodeErrors, snap.Frames.SendErrors)
	fmt.Fprintf(stdout, "  inbound: dispatched=%d answered=%d handler_errors=%d not_implemented=%d signature_fails=%d\n",
		snap.Inbound.Dispatched, snap.Inbound.Answered, snap.Inbound.HandlerErrors, snap.Inbound.NotImplemented, snap.Inbound.SignatureFails)
	fmt.Fprintf(stdout, "  outbound: sent=%d responses=%d errors=%d timeouts=%d closed=%d unmatched=%d\n",
		snap.Outbound.Sent, snap.Outbound.Responses, snap.Outbound.Errors, snap.Outbound.Timeouts, snap.Outbound.Closed, snap.Outbound.Unmatched)
	fw := snap.Forwarding
	fmt.Fprintf(stdout, "  forwarding: received=%d forwarded=%d replaced=%d rejected=%d dropped=%d no_route=%d hop_limit=%d replies=%d\n",
		fw.Received, fw.Forwarded, fw.Replaced, fw.Rejected, fw.Dropped, fw.NoRoute, fw.HopLimit, fw.RepliesRelayed)
	list := snap.Recent
	if *recent >= 0 && len(list) > *recent {
		list = list[len(list)-*recent:]
	}
	for _, d := range list {
		fmt.Fprintf(stdout, "  %s %s %s id=%s from=%s dest=%s path=%s\n",
			d.At.Format("15:04:05"), d.Decision, d.Action, d.RequestID, d.From, d.Destination, d.Path)
	}
	return 0
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := gnuflag.NewFlagSet("keygen", gnuflag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", homeDir(), "node home directory")
	bits := fs.Int("bits", crypto.DefaultRSABits, "RSA key size")
	id := fs.String("id", "", "node id (default derived from the key)")
	if err := fs.Parse(true, args); err != nil {
		return 1
	}
	self, err := node.NewNode(*home, node.Options{ID: proto.NodeID(*id), KeyBits: *bits})
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "node_id=%s key_id=%s pub=%s\n", self.ID, self.KeyID, filepath.Join(*home, "pub.hex"))
	return 0
}
