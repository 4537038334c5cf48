package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/danmuck/hwbinder/internal/binder"
	"github.com/danmuck/hwbinder/internal/logging"
	"github.com/danmuck/hwbinder/internal/parcel"
	"github.com/danmuck/hwbinder/internal/remote"
)

const usage = `usage: bindercall [-config file] [-address addr] <command> [args]

commands:
  list                                   list registered services
  get <interface> [instance]             look up one service
  call [-code n] [-oneway] <interface> [instance] [payload]
                                         send one transaction with a string payload
`

func main() {
	logging.ConfigureRuntime()
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "bindercall: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("bindercall", flag.ContinueOnError)
	configPath := fs.String("config", "", "client config (toml)")
	address := fs.String("address", "", "service manager address override")
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("missing command")
	}

	cfg := defaultClientConfig()
	if *configPath != "" {
		loaded, err := loadClientConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *address != "" {
		cfg.Remote.Address = *address
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout+cfg.Remote.ConnectTimeout)
	defer cancel()

	proc := binder.New(binder.Config{Name: "bindercall"})
	defer proc.Shutdown()
	if err := proc.StartThreadPool(1, false); err != nil {
		return err
	}
	conn, err := remote.ConnectServiceManager(ctx, proc, cfg.Remote)
	if err != nil {
		return err
	}
	defer conn.Close()

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "list":
		return list(ctx, proc, out)
	case "get":
		return get(ctx, proc, rest, out)
	case "call":
		return call(ctx, proc, rest, out)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func list(ctx context.Context, proc *binder.Process, out io.Writer) error {
	infos, err := proc.ListServices(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INTERFACE\tINSTANCE\tREGISTRANT\tSINCE")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Interface, info.Instance, info.Registrant, info.RegisteredAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func target(args []string) (iface, instance string, rest []string, err error) {
	if len(args) == 0 {
		return "", "", nil, fmt.Errorf("missing interface")
	}
	iface, instance = args[0], "default"
	if len(args) > 1 {
		instance = args[1]
	}
	if len(args) > 2 {
		rest = args[2:]
	}
	return iface, instance, rest, nil
}

func get(ctx context.Context, proc *binder.Process, args []string, out io.Writer) error {
	iface, instance, _, err := target(args)
	if err != nil {
		return err
	}
	b, err := proc.GetService(ctx, iface, instance, false)
	if err != nil {
		return err
	}
	handle := uint32(0)
	if p, ok := b.(*remote.Proxy); ok {
		handle = p.Handle()
	}
	fmt.Fprintf(out, "%s/%s alive=%t handle=%d\n", iface, instance, b.IsAlive(), handle)
	return nil
}

func call(ctx context.Context, proc *binder.Process, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	code := fs.Uint("code", uint(binder.FirstCallTransaction), "transaction code")
	oneway := fs.Bool("oneway", false, "do not wait for a reply")
	if err := fs.Parse(args); err != nil {
		return err
	}
	iface, instance, rest, err := target(fs.Args())
	if err != nil {
		return err
	}

	b, err := proc.GetService(ctx, iface, instance, false)
	if err != nil {
		return err
	}
	req := parcel.New()
	if err := req.WriteString(strings.Join(rest, " ")); err != nil {
		return err
	}
	flags := binder.FlagServeNested
	if *oneway {
		flags = binder.FlagOneway
	}
	reply, err := b.Transact(ctx, uint32(*code), req, flags)
	if err != nil {
		return err
	}
	if *oneway {
		fmt.Fprintln(out, "sent")
		return nil
	}
	fmt.Fprintf(out, "reply %d bytes\n%s", reply.Len(), hex.Dump(reply.Bytes()))
	return nil
}
