// Package server wires an accepted WebSocket connection to a Wisp
// session: the process's HTTP listener, the handshake, and per-connection
// session lifecycle.
package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/urfave/cli/v3"

	"github.com/tzrikka/wispd/internal/config"
	"github.com/tzrikka/wispd/internal/wsserver"
	"github.com/tzrikka/wispd/pkg/session"
	"github.com/tzrikka/wispd/pkg/transport"
)

// readHeaderTimeout bounds how long the HTTP server waits for a
// client's request headers before giving up on the handshake.
const readHeaderTimeout = 5 * time.Second

// Start initializes wispd's logging and HTTP server, and blocks serving
// WebSocket connections until the context is canceled or the listener
// fails.
func Start(ctx context.Context, cmd *cli.Command) error {
	cfg := config.FromCommand(cmd)
	initLog(cfg.Dev)

	s := &server{
		cfg:    cfg,
		dial:   transport.NewDialer(transport.DefaultResolver),
		logger: log.Logger,
	}
	return s.run(ctx)
}

// initLog initializes the global logger, matching the development vs.
// production modes of wispd's CLI "dev" flag.
func initLog(devMode bool) {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if !devMode {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Caller().Logger()
		return
	}

	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05.000",
	}).With().Caller().Logger()

	log.Warn().Msg("********** DEV MODE - UNSAFE IN PRODUCTION! **********")
}

type server struct {
	cfg    config.Config
	dial   transport.Dialer
	logger zerolog.Logger
}

// run accepts one WebSocket connection per incoming HTTP request and
// drives each to its own [session.Session]. It's blocking, to keep the
// wispd process running.
func (s *server) run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.acceptHandler)

	httpServer := &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, strconv.Itoa(int(s.cfg.Port))),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	s.logger.Info().Str("host", s.cfg.Host).Uint16("port", s.cfg.Port).
		Uint32("buffer_size", s.cfg.BufferSize).Msg("wispd listening")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Err(err).Msg("HTTP server failed")
		return err
	}
	return nil
}

// acceptHandler upgrades one incoming HTTP request to a WebSocket
// connection and runs a session over it until the connection ends.
func (s *server) acceptHandler(w http.ResponseWriter, r *http.Request) {
	l := s.logger.With().Str("remote_addr", r.RemoteAddr).Logger()

	conn, err := wsserver.Accept(w, r, &l)
	if err != nil {
		l.Warn().Err(err).Msg("WebSocket handshake failed")
		return
	}

	sess := session.New(conn, s.cfg.BufferSize, l)
	sess.Run(r.Context(), s.dial)
}
