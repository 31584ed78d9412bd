package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	sing "github.com/sagernet/sing-pipeline"
	"github.com/sagernet/sing-pipeline/common/config"
	"github.com/sagernet/sing-pipeline/common/log"
	M "github.com/sagernet/sing-pipeline/common/metadata"
	"github.com/sagernet/sing-pipeline/common/poll"
	"github.com/sagernet/sing-pipeline/protocol/http"
	T "github.com/sagernet/sing-pipeline/transport/tls"

	tls "github.com/refraction-networking/utls"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type Options struct {
	PreferIPv6 bool   `mapstructure:"ipv6"`
	Address    string `mapstructure:"address"`
	Port       uint16 `mapstructure:"port" validate:"required"`
	SSL        bool   `mapstructure:"ssl"`
	Root       string `mapstructure:"root" validate:"required,dir"`
	Cert       string `mapstructure:"cert" validate:"required_with=Key,omitempty,file"`
	Key        string `mapstructure:"key" validate:"required_with=Cert,omitempty,file"`
	Verbose    bool   `mapstructure:"verbose"`
}

func main() {
	if err := newCommand().Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func newCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "http-serve [-6Sv] [-A address] [-p port] [--root dir] [--cert file --key file]",
		Short:   "Serve a directory over HTTP/1.1",
		Version: sing.Version,
		Args:    cobra.NoArgs,
		RunE:    run,
	}
	flags := command.Flags()
	flags.BoolP("ipv6", "6", false, "prefer IPv6 addresses")
	flags.StringP("address", "A", "127.0.0.1", "listen address, empty for every address")
	flags.Uint16P("port", "p", 8080, "listen port")
	flags.BoolP("ssl", "S", false, "use TLS, with a self-signed certificate unless --cert is given")
	flags.String("root", ".", "directory to serve")
	flags.String("cert", "", "certificate PEM file")
	flags.String("key", "", "private key PEM file")
	flags.BoolP("verbose", "v", false, "enable debug logging")
	return command
}

func loadOptions(command *cobra.Command) (Options, error) {
	var options Options
	err := config.Load(command, "HTTP_SERVE", &options)
	return options, err
}

func loadCertificate(options Options) (*tls.Certificate, error) {
	if options.Cert != "" {
		return T.LoadCertificate(options.Cert, options.Key)
	}
	hosts := []string{"localhost"}
	for _, endpoint := range M.ParseEndpoint(options.Address, options.Port).Split() {
		if endpoint.Address != "" && endpoint.Address != "localhost" {
			hosts = append(hosts, endpoint.Address)
		}
	}
	logrus.Warn("using a generated self-signed certificate for ", hosts)
	return T.GenerateCertificate(hosts...)
}

func run(command *cobra.Command, args []string) error {
	options, err := loadOptions(command)
	if err != nil {
		return err
	}
	command.SilenceUsage = true
	log.SetVerbose(options.Verbose)

	var (
		tlsConfig   *tls.Config
		certificate *tls.Certificate
	)
	if options.SSL || options.Cert != "" {
		certificate, err = loadCertificate(options)
		if err != nil {
			return err
		}
		tlsConfig = T.ServerConfig(certificate)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	poller, err := poll.New(ctx)
	if err != nil {
		return err
	}
	defer poller.Shutdown()

	server := http.NewServer(poller, os.DirFS(options.Root))
	err = server.Listen(M.ParseEndpoint(options.Address, options.Port), options.PreferIPv6, tlsConfig, certificate)
	if err != nil {
		return err
	}
	err = poller.Loop()
	server.Close()
	if errors.Is(err, context.Canceled) {
		logrus.Info("served ", server.Requests, " requests")
		return nil
	}
	return err
}
