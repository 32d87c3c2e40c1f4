package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/canvaslink/canvaslink/authority"
)

const CanvasLinkdVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Canvaslink authority.

Serves the realtime sync endpoint at /ws and the snapshot export api at
/rooms/<room_id>/snapshot.

Usage:
    canvaslinkd serve [--port=<port>]

Options:
    -h --help        Show this screen.
    --version        Show version.
    --port=<port>    Listen port [default: 8080].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CanvasLinkdVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := authority.NewAuthorityWithDefaults(cancelCtx)
	defer a.Close()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: a.Router(),
	}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigs:
		case <-cancelCtx.Done():
		}
		server.Close()
	}()

	Out.Printf("canvaslinkd listening on :%d\n", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		Err.Printf("serve error = %s\n", err)
		os.Exit(1)
	}
}
