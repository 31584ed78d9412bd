package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	sing "github.com/sagernet/sing-pipeline"
	"github.com/sagernet/sing-pipeline/common/config"
	E "github.com/sagernet/sing-pipeline/common/exceptions"
	"github.com/sagernet/sing-pipeline/common/log"
	M "github.com/sagernet/sing-pipeline/common/metadata"
	"github.com/sagernet/sing-pipeline/common/poll"
	"github.com/sagernet/sing-pipeline/protocol/pipeline"
	"github.com/sagernet/sing-pipeline/transport/tcp"
	T "github.com/sagernet/sing-pipeline/transport/tls"

	tls "github.com/refraction-networking/utls"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type Options struct {
	PreferIPv6 bool          `mapstructure:"ipv6"`
	Address    string        `mapstructure:"address" validate:"required"`
	Port       uint16        `mapstructure:"port" validate:"required"`
	SSL        bool          `mapstructure:"ssl"`
	Insecure   bool          `mapstructure:"insecure"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Verbose    bool          `mapstructure:"verbose"`
	Paths      []string      `mapstructure:"-" validate:"min=1,dive,required"`
}

func main() {
	if err := newCommand().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "http-clnt [-6Sv] [-A address] [-p port] path...",
		Short:   "Fetch paths over one pipelined HTTP connection",
		Version: sing.Version,
		Args:    cobra.MinimumNArgs(1),
		RunE:    run,
	}
	flags := command.Flags()
	flags.BoolP("ipv6", "6", false, "prefer IPv6 addresses")
	flags.StringP("address", "A", "127.0.0.1", "server address, several may be given separated by spaces")
	flags.Uint16P("port", "p", 80, "server port")
	flags.BoolP("ssl", "S", false, "use TLS")
	flags.Bool("insecure", false, "skip TLS certificate verification")
	flags.Duration("timeout", tcp.DefaultConnectTimeout, "time allowed for each connection attempt")
	flags.BoolP("verbose", "v", false, "enable debug logging")
	return command
}

func loadOptions(command *cobra.Command, args []string) (Options, error) {
	options := Options{Paths: args}
	err := config.Load(command, "HTTP_CLNT", &options)
	return options, err
}

func run(command *cobra.Command, args []string) error {
	options, err := loadOptions(command, args)
	if err != nil {
		return err
	}
	command.SilenceUsage = true
	log.SetVerbose(options.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	poller, err := poll.New(ctx)
	if err != nil {
		return err
	}
	defer poller.Shutdown()

	endpoint := M.ParseEndpoint(options.Address, options.Port)
	var tlsConfig *tls.Config
	if options.SSL {
		tlsConfig = T.ClientConfig(endpoint.Split()[0].Address, options.Insecure)
	}
	client := pipeline.NewClient(poller, os.Stdout)
	client.Connect(endpoint, options.PreferIPv6, tlsConfig, options.Paths, tcp.WithWatchdog(options.Timeout))
	err = poller.Loop()
	return E.Errors(err, client.Close())
}
