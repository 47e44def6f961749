// Package config defines wispd's CLI flags and the typed configuration
// derived from them, shared between the process entry point and the
// server it starts.
package config

import (
	"errors"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/tzrikka/wispd/pkg/session"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 6001
)

// Flags defines CLI flags to configure wispd's WebSocket listener. These
// flags can also be set using environment variables and the
// application's configuration file.
func Flags(configFilePath altsrc.StringSourcer) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "host",
			Usage: "address to listen on",
			Value: DefaultHost,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WISPD_HOST"),
				toml.TOML("wispd.host", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "port to listen on",
			Value: DefaultPort,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WISPD_PORT"),
				toml.TOML("wispd.port", configFilePath),
			),
			Validator: validatePort,
		},
		&cli.IntFlag{
			Name:  "buffer-size",
			Usage: "advisory inbound-buffer credit advertised in CONTINUE frames",
			Value: session.DefaultCredit,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("WISPD_BUFFER_SIZE"),
				toml.TOML("wispd.buffer_size", configFilePath),
			),
		},
	}
}

func validatePort(p int) error {
	if p < 0 || p > 65535 {
		return errors.New("out of range [0-65535]")
	}
	return nil
}

// Config is the typed configuration extracted from a parsed CLI command.
type Config struct {
	Host       string
	Port       uint16
	BufferSize uint32
	Dev        bool
}

// FromCommand extracts a Config from cmd's parsed flags.
func FromCommand(cmd *cli.Command) Config {
	return Config{
		Host:       cmd.String("host"),
		Port:       uint16(cmd.Int("port")),
		BufferSize: uint32(cmd.Int("buffer-size")),
		Dev:        cmd.Bool("dev"),
	}
}
