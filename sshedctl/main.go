package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/sshed-dev/sshed/sshed"
)

const SshedCtlVersion = "0.1.0"

func main() {
	usage := `sshed control.

The host serves a file to remote editors over a unix socket, and optionally
over a websocket endpoint. The edit command connects to a served file and
opens it in the local editor, discovering the socket via --socket or the
SSHED_SOCK environment variable.

Usage:
    sshedctl host <file> [--socket=<path>] [--shell=<shell>] [--debug]
        [--ws_listen=<addr>] [--jwt_secret=<secret>]
    sshedctl edit [--socket=<path>] [--full] [--debug]
        [--ws_url=<url>] [--jwt=<jwt>]
    sshedctl env [--socket=<path>] [--shell=<shell>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    -a --socket=<path>     Use a specific socket file.
    --shell=<shell>        Shell for which to print the export command.
    --full                 Send full content updates instead of diffs.
    --ws_listen=<addr>     Also accept websocket connections on this address.
    --jwt_secret=<secret>  Shared HS256 secret for websocket auth.
    --ws_url=<url>         Connect over a websocket instead of a unix socket.
    --jwt=<jwt>            Token presented on the websocket handshake.
    -d --debug             Run in debug mode.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SshedCtlVersion)
	if err != nil {
		panic(err)
	}

	// glog registers its flags on the default flag set
	flag.CommandLine.Parse([]string{})
	flag.Set("logtostderr", "true")
	if debug_, _ := opts.Bool("--debug"); debug_ {
		flag.Set("v", "2")
	}

	if host_, _ := opts.Bool("host"); host_ {
		host(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	} else if env_, _ := opts.Bool("env"); env_ {
		env(opts)
	}
}

// serve a file to remote editors
func host(opts docopt.Opts) {
	file, _ := opts.String("<file>")
	socketAddress, _ := opts.String("--socket")
	shell, _ := opts.String("--shell")
	if shell == "" {
		shell = sshed.CurrentShell()
	}

	if _, err := os.Stat(file); err != nil {
		fmt.Printf("Cannot serve %s (%s).\n", file, err)
		os.Exit(1)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	onSignals(cancel, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	if socketAddress == "" {
		socketDir, err := os.MkdirTemp("", "sshed-")
		if err != nil {
			panic(err)
		}
		defer os.RemoveAll(socketDir)
		socketAddress = socketDir + "/socket"
	}
	listener, err := sshed.ListenSocket(socketAddress)
	if err != nil {
		fmt.Printf("Cannot listen on %s (%s).\n", socketAddress, err)
		os.Exit(1)
	}
	defer listener.Close()

	socketVar := &sshed.EnvironmentVariable{
		Name:     sshed.SocketEnvName,
		Contents: socketAddress,
	}
	fmt.Printf("%s\n", socketVar.Generate(shell))

	if wsListen, _ := opts.String("--ws_listen"); wsListen != "" {
		jwtSecret, _ := opts.String("--jwt_secret")
		go serveWs(cancelCtx, wsListen, jwtSecret, file)
	}

	if err := sshed.ServeHost(cancelCtx, listener, file, sshed.DefaultHostSessionSettings()); err != nil {
		glog.Infof("[ctl]serve error = %s\n", err)
		os.Exit(1)
	}
}

func serveWs(ctx context.Context, addr string, jwtSecret string, file string) {
	settings := sshed.DefaultWsTransportSettings()
	var verify func(token string) error
	if jwtSecret != "" {
		verify = sshed.JwtVerifier([]byte(jwtSecret))
	}
	server := &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			stream, err := sshed.WsAccept(w, r, verify, settings)
			if err != nil {
				glog.Infof("[ctl]ws accept error = %s\n", err)
				return
			}
			session := sshed.NewHostSessionWithDefaults(ctx, stream, file)
			if err := session.Run(); err != nil {
				glog.Infof("[h]%s session error = %s\n", session.SessionId(), err)
			}
		}),
	}
	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		glog.Infof("[ctl]ws listen error = %s\n", err)
	}
}

// connect to a served file and edit it locally
func edit(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	onSignals(cancel, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	var conn io.ReadWriteCloser
	if wsUrl, _ := opts.String("--ws_url"); wsUrl != "" {
		token, _ := opts.String("--jwt")
		stream, err := sshed.WsDial(cancelCtx, wsUrl, token, sshed.DefaultWsTransportSettings())
		if err != nil {
			fmt.Printf("Cannot connect to %s (%s).\n", wsUrl, err)
			os.Exit(1)
		}
		conn = stream
	} else {
		socketAddress, _ := opts.String("--socket")
		socketConn, err := sshed.DialSocket(socketAddress)
		if err != nil {
			fmt.Printf("Cannot find a usable socket (%s). Pass --socket or set %s.\n", err, sshed.SocketEnvName)
			os.Exit(1)
		}
		conn = socketConn
	}

	argv, err := sshed.ChooseEditor()
	if err != nil {
		fmt.Printf("%s.\n", err)
		os.Exit(1)
	}
	editor := sshed.NewExecEditorWithDefaults(cancelCtx, argv)

	settings := sshed.DefaultClientSessionSettings()
	if full_, _ := opts.Bool("--full"); full_ {
		settings.PreferDiff = false
	}
	session := sshed.NewClientSession(cancelCtx, conn, editor, settings)
	if err := session.Run(); err != nil {
		glog.Infof("[c]%s session error = %s\n", session.SessionId(), err)
		os.Exit(1)
	}
}

// print the export command for the socket environment variable
func env(opts docopt.Opts) {
	socketAddress, _ := opts.String("--socket")
	if socketAddress == "" {
		socketAddress = os.Getenv(sshed.SocketEnvName)
	}
	shell, _ := opts.String("--shell")
	if shell == "" {
		shell = sshed.CurrentShell()
	}
	socketVar := &sshed.EnvironmentVariable{
		Name:     sshed.SocketEnvName,
		Contents: socketAddress,
	}
	fmt.Printf("%s\n", socketVar.Generate(shell))
}

func onSignals(cancel context.CancelFunc, signals ...os.Signal) {
	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, signals...)
	go func() {
		<-signalChannel
		cancel()
	}()
}
