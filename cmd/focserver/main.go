// Command focserver runs a standalone FailOverCacheServer, the
// out-of-process write-ahead cache volumes register with over the
// foc wire protocol.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/foc"
)

// Exit codes: 0 clean stop, 1 unexpected error, 3 transport error
// (listener could not be created).
const (
	exitOK        = 0
	exitError     = 1
	exitTransport = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", ":3002", "listen address")
	dataDir := flag.String("data-dir", "", "persist entries to disk under this directory (file-per-SCO); empty means in-memory only")
	bufBytes := flag.Int("buf-bytes", 1<<20, "write buffer size per SCO file when -data-dir is set")
	flag.Parse()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		glog.Errorf("focserver: listen %s: %v", *addr, err)
		return exitTransport
	}
	defer ln.Close()

	newBackend := func(namespace string) (foc.Backend, error) {
		if *dataDir == "" {
			return foc.NewMemBackend(), nil
		}
		return foc.NewFileBackend(*dataDir+"/"+namespace, *bufBytes)
	}
	srv := foc.NewServer(newBackend)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	glog.Infof("focserver: listening on %s", ln.Addr())
	select {
	case sig := <-sigc:
		glog.Infof("focserver: stopping on %s", sig)
		ln.Close()
		<-errc
		return exitOK
	case err := <-errc:
		if err == nil {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "focserver: serve: %v\n", err)
		return exitError
	}
}
