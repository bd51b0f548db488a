package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/edgeforge/iothub/cmd/internal"
	"github.com/edgeforge/iothub/common"
	"github.com/edgeforge/iothub/credentials"
	"github.com/edgeforge/iothub/iotdevice"
	"github.com/edgeforge/iothub/iotutil"
	"github.com/edgeforge/iothub/transport"
)

var (
	moduleIDFlag string
	logLevelFlag = internal.NewChoiceFlag("error", "warn", "info", "debug")
)

var sendSystemPropsFlag internal.StringsMapFlag

var logLevels = map[string]common.LogLevel{
	"error": common.LevelError,
	"warn":  common.LevelWarn,
	"info":  common.LevelInfo,
	"debug": common.LevelDebug,
}

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

	return internal.Run(ctx, "interact with a device over MQTT", []*internal.Command{
		{Name: "send", Help: "PAYLOAD [KEY VALUE]...", Desc: "send a telemetry message to the cloud (D2C)", Handler: conn(send), ParseFunc: func(fs *flag.FlagSet) {
			sendSystemPropsFlag = internal.StringsMapFlag{}
			fs.Var(&sendSystemPropsFlag, "sp", "system property, repeatable; only content-type and correlation-id are read, other keys are ignored (e.g. -sp content-type=application/json)")
		}},
		{Name: "watch-events", Desc: "subscribe to cloud-to-device messages", Handler: conn(watchEvents)},
		{Name: "watch-twin", Desc: "subscribe to desired-property updates", Handler: conn(watchTwin)},
		{Name: "get-twin", Desc: "fetch the device twin", Handler: conn(getTwin)},
	}, os.Args, func(fs *flag.FlagSet) {
		fs.StringVar(&moduleIDFlag, "m", moduleIDFlag, "module id, for an Edge module identity")
		fs.Var(logLevelFlag, "log", "log level: error, warn, info, debug")
	})
}

func conn(fn func(context.Context, *flag.FlagSet, *iotdevice.Client) error) internal.HandlerFunc {
	return func(ctx context.Context, fs *flag.FlagSet) error {
		cs := os.Getenv("DEVICE_CONNECTION_STRING")
		if cs == "" {
			return errors.New("DEVICE_CONNECTION_STRING is blank")
		}
		creds, err := credentials.ParseConnectionString(cs)
		if err != nil {
			return err
		}

		opts := []iotdevice.ClientOption{
			iotdevice.WithLogger(common.NewLogger("iothub-device", logLevels[logLevelFlag.String()], log.Print)),
		}
		if moduleIDFlag != "" {
			opts = append(opts, iotdevice.WithModuleID(moduleIDFlag))
		}
		c := iotdevice.New(creds, opts...)
		if err := c.Connect(ctx); err != nil {
			return err
		}
		defer c.Close(context.Background())
		return fn(ctx, fs, c)
	}
}

func send(ctx context.Context, fs *flag.FlagSet, c *iotdevice.Client) error {
	if fs.NArg() < 1 {
		return internal.ErrInvalidUsage
	}
	props, err := internal.ArgsToMap(fs.Args()[1:])
	if err != nil {
		return err
	}
	msg := &common.Message{
		Payload:    []byte(fs.Arg(0)),
		Properties: props,
	}
	if ct, ok := sendSystemPropsFlag["content-type"]; ok {
		msg.ContentType = ct
	}
	if cid, ok := sendSystemPropsFlag["correlation-id"]; ok {
		msg.CorrelationID = cid
	}
	return c.Publish(ctx, msg)
}

const eventFormat = `---- PAYLOAD --------------
%s
---------------------------
%v
===========================
`

func watchEvents(ctx context.Context, fs *flag.FlagSet, c *iotdevice.Client) error {
	if fs.NArg() != 0 {
		return internal.ErrInvalidUsage
	}
	return c.SubscribeEvents(ctx, func(msg *transport.IncomingMessage) {
		fmt.Printf(eventFormat, iotutil.FormatPayload(msg.Message.Payload), iotutil.FormatPropertiesShort(msg.Message.Properties))
	})
}

func watchTwin(ctx context.Context, fs *flag.FlagSet, c *iotdevice.Client) error {
	if fs.NArg() != 0 {
		return internal.ErrInvalidUsage
	}
	return c.SubscribeTwinUpdates(ctx, func(patch map[string]interface{}) {
		b, err := json.MarshalIndent(patch, "", "  ")
		if err != nil {
			panic(err)
		}
		fmt.Println(string(b))
	})
}

func getTwin(ctx context.Context, fs *flag.FlagSet, c *iotdevice.Client) error {
	if fs.NArg() != 0 {
		return internal.ErrInvalidUsage
	}
	desired, reported, err := c.RetrieveTwinState(ctx)
	if err != nil {
		return err
	}
	return internal.OutputJSON(map[string]interface{}{"desired": desired, "reported": reported})
}
