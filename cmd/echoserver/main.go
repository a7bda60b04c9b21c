// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command echoserver is a minimal runnable example of lpmsgsrv: an identity
// Handler that returns every received payload unchanged. It stands in for
// the CLI/bootstrap glue the library itself considers out of scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	lpmsgsrv "github.com/hbsc-oss/lpmsgsrv"
)

type echoHandler struct{}

func (echoHandler) Deserialize(payload []byte) ([]byte, error) {
	return append([]byte(nil), payload...), nil
}

func (echoHandler) Process(req []byte) ([]byte, error) { return req, nil }

func (echoHandler) Serialize(resp []byte) ([]byte, error) { return resp, nil }

func main() {
	listenAddr := flag.String("listen_address", "127.0.0.1", "address to bind to")
	port := flag.Int("port", 7777, "port to listen on")
	numWorkers := flag.Int("workers", 4, "number of worker goroutines")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	addr := fmt.Sprintf("%s:%d", *listenAddr, *port)
	handle, err := lpmsgsrv.Bootstrap[[]byte, []byte](addr, *numWorkers, echoHandler{}, lpmsgsrv.WithLogger(log))
	if err != nil {
		log.Fatal("bootstrap failed", zap.Error(err))
	}
	log.Info("listening", zap.String("addr", addr), zap.Int("workers", *numWorkers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := handle.Shutdown(ctx); err != nil {
		log.Warn("shutdown did not complete cleanly", zap.Error(err))
	}
}
