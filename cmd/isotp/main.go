package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/logrecorder"
	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/LoveWonYoung/canisotp/udsclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const usageText = `usage: isotp [flags] <command> [args]

commands:
  send HEX      send one ISO-TP message to the destination
  listen        print every message received from the destination
  uds HEX       send a UDS request and print the response
  read DID      ReadDataByIdentifier, DID in hex (e.g. F190)
  flash FILE    program an Intel HEX image (session 02, security, download, reset)
  gateway       serve a loopback bus over WebSocket until interrupted

flags:
`

func main() {
	var (
		configPath = flag.String("config", "", "Path to a TOML config file")
		transport  = flag.String("transport", "", "CAN transport (socketcan|slcan|websocket|toomoss|loopback)")
		iface      = flag.String("iface", "", "SocketCAN interface, serial port or gateway URL")
		dest       = flag.String("dest", "", "Destination identifier in hex (7E0, 7DF, 18DA10F1)")
		fd         = flag.Bool("fd", false, "Use CAN FD frames with 64 byte payloads")
		logLevel   = flag.String("log-level", "", "Log level (trace|debug|info|warn|error)")
		logDir     = flag.String("log-dir", "", "Directory for rotated log files")
		logFrames  = flag.Bool("log-frames", false, "Log every CAN frame at trace level")
		metrics    = flag.String("metrics", "", "Listen address for the Prometheus endpoint")
		gateway    = flag.String("gateway", "", "Listen address for the WebSocket gateway (loopback transport)")
		timeout    = flag.Duration("timeout", 10*time.Second, "Overall timeout for send, uds and read")
	)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := defaultConfig()
	if *configPath != "" {
		loaded, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cfg = loaded
	}

	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "transport":
			cfg.Transport = *transport
		case "iface":
			cfg.Interface = *iface
		case "dest":
			id, err := parseIdentifier(*dest)
			if err != nil {
				flagErr = fmt.Errorf("-dest: %w", err)
				return
			}
			cfg.Destination = id
		case "fd":
			cfg.FD = *fd
			if *fd {
				cfg.Params.MaxPayload = tp.FDMaxPayload
			}
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-dir":
			cfg.LogDir = *logDir
		case "log-frames":
			cfg.LogFrames = *logFrames
		case "metrics":
			cfg.MetricsAddr = *metrics
		case "gateway":
			cfg.GatewayAddr = *gateway
		}
	})
	if flagErr == nil {
		flagErr = cfg.validate()
	}
	if flagErr != nil {
		fmt.Fprintln(os.Stderr, flagErr)
		os.Exit(2)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	log, rec, err := logrecorder.New(logrecorder.Options{
		App:   "isotp",
		Level: cfg.LogLevel,
		Dir:   cfg.LogDir,
		Name:  "isotp_",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if rec != nil {
		defer rec.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg, flag.Args(), *timeout, log); err != nil {
		log.Error().Err(err).Str("command", flag.Arg(0)).Msg("command failed")
		if rec != nil {
			rec.Close()
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, args []string, timeout time.Duration, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		serveHTTP(ctx, cfg.MetricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), log.With().Str("server", "metrics").Logger())
	}

	if args[0] == "gateway" {
		if cfg.GatewayAddr == "" {
			return errors.New("gateway needs -gateway or gateway_listen_addr")
		}
		bus := driver.NewLoopbackBus()
		defer bus.Close()
		serveHTTP(ctx, cfg.GatewayAddr, driver.NewWebSocketGateway(bus, log), log.With().Str("server", "gateway").Logger())
		<-ctx.Done()
		return nil
	}

	transport, err := openTransport(ctx, cfg, log)
	if err != nil {
		return err
	}
	broker, err := tp.Bind(transport, cfg.Params, cfg.Queue, tp.WithLogger(log), tp.WithMetrics(reg))
	if err != nil {
		transport.Close()
		return err
	}
	defer broker.Close()

	ch, err := broker.CreateChannel(cfg.Destination)
	if err != nil {
		return err
	}
	log.Info().
		Str("transport", cfg.Transport).
		Str("destination", fmt.Sprintf("0x%X", cfg.Destination&^tp.FlagExtended)).
		Bool("extended", tp.IsExtended(cfg.Destination)).
		Msg("channel open")

	if args[0] == "listen" {
		return listen(ctx, broker, ch, log)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch args[0] {
	case "send":
		payload, err := payloadArg(args)
		if err != nil {
			return err
		}
		result, err := ch.Send(ctx, payload)
		if err != nil {
			return err
		}
		if err := result.Wait(ctx); err != nil {
			return err
		}
		log.Info().Int("len", len(payload)).Msg("message sent")
		return ch.CloseWithTimeout(time.Second)

	case "uds":
		payload, err := payloadArg(args)
		if err != nil {
			return err
		}
		client := udsclient.NewUDSClient(ch, log)
		defer client.Close()
		resp, err := client.RequestWithContext(ctx, payload, cfg.Request)
		if err != nil {
			return err
		}
		fmt.Printf("% X\n", resp)
		return nil

	case "read":
		if len(args) < 2 {
			return errors.New("read needs a DID")
		}
		did, err := strconv.ParseUint(strings.TrimPrefix(args[1], "0x"), 16, 16)
		if err != nil {
			return fmt.Errorf("DID %q: %w", args[1], err)
		}
		client := udsclient.NewUDSClient(ch, log)
		defer client.Close()
		data, err := client.ReadDataByIdentifier(ctx, uint16(did))
		if err != nil {
			return err
		}
		fmt.Printf("%04X: % X %q\n", did, data, data)
		return nil

	case "flash":
		if len(args) < 2 {
			return errors.New("flash needs a HEX file")
		}
		return flash(ctx, cfg, ch, args[1], log)
	}
	return fmt.Errorf("unknown command %q", args[0])
}

// openTransport opens the configured CAN transport. The loopback transport
// is a private bus; with a gateway address other processes can join it over
// WebSocket.
func openTransport(ctx context.Context, cfg config, log zerolog.Logger) (tp.Transport, error) {
	var t tp.Transport
	switch cfg.Transport {
	case "socketcan":
		s, err := driver.DialSocketCAN(cfg.Interface, cfg.FD, log)
		if err != nil {
			return nil, err
		}
		t = s
	case "slcan":
		a, err := driver.OpenSLCAN(cfg.Interface, cfg.SerialBaud, cfg.Bitrate, log)
		if err != nil {
			return nil, err
		}
		t = a
	case "websocket":
		a, err := driver.DialWebSocket(cfg.Interface, log)
		if err != nil {
			return nil, err
		}
		t = a
	case "toomoss":
		tc := driver.DefaultToomossConfig()
		tc.FD = cfg.FD
		tc.NominalBitrate = cfg.Bitrate
		tc.DataBitrate = cfg.DataBitrate
		a, err := driver.OpenToomoss(tc, log)
		if err != nil {
			return nil, err
		}
		t = a
	case "loopback":
		bus := driver.NewLoopbackBus()
		if cfg.GatewayAddr != "" {
			serveHTTP(ctx, cfg.GatewayAddr, driver.NewWebSocketGateway(bus, log), log.With().Str("server", "gateway").Logger())
		}
		go func() {
			<-ctx.Done()
			bus.Close()
		}()
		t = bus.Open()
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
	if cfg.LogFrames {
		t = driver.NewLoggedTransport(t, log, zerolog.TraceLevel, driver.LogAll)
	}
	return t, nil
}

func listen(ctx context.Context, broker *tp.Broker, ch *tp.Channel, log zerolog.Logger) error {
	ch.SetInboundHandler(func(sender uint32, payload []byte) {
		fmt.Printf("%08X [%d] %s\n", sender&^tp.FlagExtended, len(payload), strings.ToUpper(hex.EncodeToString(payload)))
	})
	ch.SetErrorHandler(func(err error) {
		log.Warn().Err(err).Msg("receive error")
	})
	select {
	case <-ctx.Done():
		return nil
	case <-broker.Done():
		return broker.Err()
	}
}

func flash(ctx context.Context, cfg config, ch *tp.Channel, path string, log zerolog.Logger) error {
	mem, err := udsclient.LoadHexFile(path)
	if err != nil {
		return err
	}
	client := udsclient.NewUDSClient(ch, log)
	defer client.Close()

	if _, err := client.DiagnosticSessionControl(ctx, udsclient.SessionProgramming); err != nil {
		return fmt.Errorf("programming session: %w", err)
	}
	if cfg.SecurityLevel != 0 {
		if err := client.SecurityAccess(ctx, cfg.SecurityLevel, cfg.SecurityKey); err != nil {
			return fmt.Errorf("security access: %w", err)
		}
	}
	err = client.Download(ctx, mem, func(segment int, address uint32, sent, total int) {
		log.Info().Int("segment", segment).Uint32("address", address).Int("sent", sent).Int("total", total).Msg("download")
	})
	if err != nil {
		return err
	}
	if err := client.ECUReset(ctx, 0x01); err != nil {
		return fmt.Errorf("ecu reset: %w", err)
	}
	log.Info().Str("file", path).Msg("flash complete")
	return nil
}

func payloadArg(args []string) ([]byte, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%s needs a hex payload", args[0])
	}
	s := strings.NewReplacer(" ", "", ":", "").Replace(strings.Join(args[1:], ""))
	payload, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return payload, nil
}

func serveHTTP(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
		}
	}()
}
