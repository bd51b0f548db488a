package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/edgeforge/iothub/cmd/internal"
	"github.com/edgeforge/iothub/credentials"
	"github.com/edgeforge/iothub/faultinject"
	"github.com/edgeforge/iothub/provisioning"
	"github.com/edgeforge/iothub/registry"
	"github.com/edgeforge/iothub/transport/mqtt"
)

var (
	etagFlag string

	scopeIDFlag string
	regIDFlag   string
	keyFlag     string

	faultKindFlag     string
	faultDelayFlag    int
	faultDurationFlag int
)

func main() {
	if err := run(); err != nil {
		if err != internal.ErrInvalidUsage {
			fmt.Fprintf(os.Stderr, "error: %s\n", err)
		}
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	return internal.Run(ctx, "manage device identities and run provisioning/fault-injection harnesses", []*internal.Command{
		{Name: "get-device", Help: "DEVICE-ID", Desc: "fetch a device identity from the registry", Handler: withRegistry(getDevice)},
		{Name: "delete-device", Help: "DEVICE-ID", Desc: "delete a device identity from the registry", Handler: withRegistry(deleteDevice), ParseFunc: func(fs *flag.FlagSet) {
			fs.StringVar(&etagFlag, "etag", "", "ETag for optimistic concurrency, * if omitted")
		}},
		{Name: "get-twin", Help: "DEVICE-ID", Desc: "fetch a device's service-side twin document", Handler: withRegistry(getRegistryTwin)},
		{Name: "register", Help: "REGISTRATION-ID", Desc: "run the DPS register-then-poll flow for a device", Handler: register, ParseFunc: func(fs *flag.FlagSet) {
			fs.StringVar(&scopeIDFlag, "scope-id", "", "DPS scope id")
			fs.StringVar(&keyFlag, "key", "", "base64 symmetric key")
		}},
		{Name: "inject-fault", Help: "", Desc: "send a fault-injection message over a connected device client", Handler: injectFault, ParseFunc: func(fs *flag.FlagSet) {
			fs.StringVar(&faultKindFlag, "kind", string(faultinject.KindTCPConnectionLoss), "fault kind: KillTcp, ShutDown, InvokeThrottling, QuotaExceeded")
			fs.IntVar(&faultDelayFlag, "delay", 1, "seconds to wait before applying the fault")
			fs.IntVar(&faultDurationFlag, "duration", 0, "seconds the fault should last, 0 for the service default")
		}},
	}, os.Args, nil)
}

func withRegistry(fn func(context.Context, *flag.FlagSet, *registry.Client) error) internal.HandlerFunc {
	return func(ctx context.Context, fs *flag.FlagSet) error {
		cs := os.Getenv("IOTHUB_SERVICE_CONNECTION_STRING")
		if cs == "" {
			return errors.New("IOTHUB_SERVICE_CONNECTION_STRING is blank")
		}
		creds, err := credentials.ParseConnectionString(cs)
		if err != nil {
			return err
		}
		return fn(ctx, fs, registry.New(creds))
	}
}

func getDevice(ctx context.Context, fs *flag.FlagSet, c *registry.Client) error {
	if fs.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	d, err := c.GetDevice(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return internal.OutputJSON(d)
}

func deleteDevice(ctx context.Context, fs *flag.FlagSet, c *registry.Client) error {
	if fs.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	return c.DeleteDevice(ctx, fs.Arg(0), etagFlag)
}

func getRegistryTwin(ctx context.Context, fs *flag.FlagSet, c *registry.Client) error {
	if fs.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	t, err := c.GetTwin(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return internal.OutputJSON(t)
}

func register(ctx context.Context, fs *flag.FlagSet) error {
	if fs.NArg() != 1 {
		return internal.ErrInvalidUsage
	}
	if scopeIDFlag == "" || keyFlag == "" {
		return errors.New("-scope-id and -key are required")
	}
	c := provisioning.New(scopeIDFlag, provisioning.WithSymmetricKey(keyFlag))
	a, err := c.Register(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return internal.OutputJSON(a)
}

func injectFault(ctx context.Context, fs *flag.FlagSet) error {
	cs := os.Getenv("DEVICE_CONNECTION_STRING")
	if cs == "" {
		return errors.New("DEVICE_CONNECTION_STRING is blank")
	}
	creds, err := credentials.ParseConnectionString(cs)
	if err != nil {
		return err
	}

	h := mqtt.NewHandler(creds, nil)
	if err := h.Open(ctx); err != nil {
		return err
	}
	defer h.Close(context.Background())

	return faultinject.Send(ctx, h, faultinject.Kind(faultKindFlag), faultDelayFlag, faultDurationFlag)
}
