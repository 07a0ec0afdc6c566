// Command volumed is the VolumeEngine daemon entry point: it parses
// flags/config, wires the ObjectStore/SCOCache/MetaDataStore/Promoter
// collaborators, creates or opens one volume, and serves /health and
// /stats until terminated. There is no FUSE or XML-RPC front-end and
// no data-plane routing layer here -- this binary hosts a single
// volume's lifecycle and control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/openvstorage/volumedriver/3rdparty/glog"
	"github.com/openvstorage/volumedriver/backend"
	"github.com/openvstorage/volumedriver/cluster"
	"github.com/openvstorage/volumedriver/cmn"
	"github.com/openvstorage/volumedriver/healthsrv"
	"github.com/openvstorage/volumedriver/metadatastore"
	"github.com/openvstorage/volumedriver/promoter"
	"github.com/openvstorage/volumedriver/scocache"
	"github.com/openvstorage/volumedriver/volume"
)

type engineHealth struct{ e *volume.Engine }

func (h engineHealth) Healthy() bool {
	switch h.e.State() {
	case volume.StateRunning, volume.StateDegraded:
		return true
	default:
		return false
	}
}

func (h engineHealth) StateString() string { return h.e.State().String() }

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a JSON config file; defaults used for anything absent")
	volumeID := flag.String("volume-id", "", "volume id to create or open (required)")
	create := flag.Bool("create", false, "create the volume instead of opening an existing one")
	sizeBytes := flag.Int64("size-bytes", 0, "volume size in bytes (required with -create)")
	clusterSize := flag.Int("cluster-size", 4096, "cluster size in bytes (with -create)")
	scoMultiplier := flag.Int("sco-multiplier", 1024, "clusters per SCO (with -create)")
	backendRoot := flag.String("backend-root", "", "local ObjectStore root directory (required)")
	metadataBackend := flag.String("metadata-backend", "mem", "metadata backend: mem | bunt")
	metadataPath := flag.String("metadata-path", "", "bunt metadata file path (with -metadata-backend=bunt)")
	tlogDir := flag.String("tlog-dir", "", "TLog directory (required)")
	localDir := flag.String("local-dir", "", "local scratch directory for corked metadata/config copies (required)")
	scoCacheDir := flag.String("scocache-dir", "", "SCOCache mountpoint directory (required)")
	scoCacheBytes := flag.Int64("scocache-bytes", 10<<30, "SCOCache mountpoint capacity")
	focAddr := flag.String("foc-addr", "", "FailOverCacheServer address; empty disables the FOC client")
	healthAddr := flag.String("health-addr", ":8090", "healthsrv listen address")
	flag.Parse()

	if *volumeID == "" || *backendRoot == "" || *tlogDir == "" || *localDir == "" || *scoCacheDir == "" {
		fmt.Fprintln(os.Stderr, "volumed: -volume-id, -backend-root, -tlog-dir, -local-dir, and -scocache-dir are required")
		return 1
	}

	cfg := cmn.Default()
	if *configPath != "" {
		loaded, err := cmn.LoadFile(*configPath)
		if err != nil {
			glog.Errorf("volumed: %v", err)
			return 1
		}
		cfg = loaded
	}

	store, err := backend.NewLocalStore(*backendRoot)
	if err != nil {
		glog.Errorf("volumed: open backend: %v", err)
		return 1
	}

	mp := &scocache.Mountpoint{
		Path:          *scoCacheDir,
		CapacityBytes: *scoCacheBytes,
		TriggerGapPct: 80,
		BackoffGapPct: 60,
	}
	cache := scocache.New([]*scocache.Mountpoint{mp})

	var mdsBackend metadatastore.Backend
	switch *metadataBackend {
	case "mem":
		mdsBackend = metadatastore.NewMemBackend()
	case "bunt":
		if *metadataPath == "" {
			fmt.Fprintln(os.Stderr, "volumed: -metadata-path is required with -metadata-backend=bunt")
			return 1
		}
		mdsBackend, err = metadatastore.NewBuntBackend(*metadataPath)
		if err != nil {
			glog.Errorf("volumed: open metadata backend: %v", err)
			return 1
		}
	default:
		fmt.Fprintf(os.Stderr, "volumed: unknown -metadata-backend %q\n", *metadataBackend)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prom := promoter.New(promoter.Config{
		RetriesOnError:          cfg.RetriesOnError,
		RetryInterval:           cfg.RetryInterval(),
		RetryBackoffMultiplier:  cfg.RetryBackoffMultiplier,
		NonDisposableScosFactor: cfg.NonDisposableSCOsFactor,
		ScosPerTLog:             cfg.NumberOfSCOsInTLog,
	}, store, cache, *volumeID, func(job promoter.Job) {
		// once a SCO is durably in the backend it no longer needs to
		// stay pinned in SCOCache; this is what keeps the cache's
		// resident size bounded by non_disposable_scos_factor x
		// scos_per_tlog x sco_size.
		if err := cache.SetDisposable(*volumeID, job.ID); err != nil {
			glog.Warningf("volumed: mark sco %d disposable: %v", job.ID.SCONumber, err)
		}
	})
	go func() {
		if err := prom.Run(ctx); err != nil && ctx.Err() == nil {
			glog.Errorf("volumed: promoter stopped: %v", err)
		}
	}()

	deps := volume.Deps{
		Store:           store,
		Cache:           cache,
		MetadataBackend: mdsBackend,
		Promoter:        prom,
		Config:          cfg,
		TLogDir:         *tlogDir,
		LocalDir:        *localDir,
		FOCAddr:         *focAddr,
	}

	var e *volume.Engine
	if *create {
		if *sizeBytes == 0 {
			fmt.Fprintln(os.Stderr, "volumed: -size-bytes is required with -create")
			return 1
		}
		e, err = volume.Create(ctx, deps, cluster.VolumeConfig{
			VolumeID:      *volumeID,
			Namespace:     *volumeID,
			SizeBytes:     *sizeBytes,
			ClusterSize:   *clusterSize,
			SCOMultiplier: *scoMultiplier,
		})
	} else {
		e, err = volume.Open(ctx, deps, *volumeID, *volumeID)
	}
	if err != nil {
		glog.Errorf("volumed: %v", err)
		return 1
	}

	health := healthsrv.New(*healthAddr)
	health.RegisterVolume(*volumeID, engineHealth{e})
	if err := health.RegisterCollector(cache.Collectors()...); err != nil {
		glog.Errorf("volumed: register metrics: %v", err)
		return 1
	}
	go func() {
		if err := health.ListenAndServe(); err != nil {
			glog.Errorf("volumed: healthsrv stopped: %v", err)
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigc
	glog.Infof("volumed: %s stopping on %s", *volumeID, sig)

	_ = health.Shutdown()
	syncErr := e.Sync(ctx)
	cancel()
	if syncErr != nil {
		glog.Errorf("volumed: sync on shutdown: %v", syncErr)
		return 1
	}
	return 0
}
