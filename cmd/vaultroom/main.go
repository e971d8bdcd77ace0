package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/vaultroom/vaultroom/config"
	"github.com/vaultroom/vaultroom/globals"
	"github.com/vaultroom/vaultroom/keys"
	"github.com/vaultroom/vaultroom/metrics"
	"github.com/vaultroom/vaultroom/room"
	"github.com/vaultroom/vaultroom/session"
	"github.com/vaultroom/vaultroom/storage"
	"github.com/vaultroom/vaultroom/ws"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	addr       = pflag.String("addr", "localhost:8000", "service address (including port)")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")

	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
)

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if globalConfig.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))
	}

	store, err := storage.Shared(globalConfig)
	if err != nil {
		panic(err)
	}
	defer storage.CloseShared()

	keyCache, err := keys.NewCache(globalConfig.StorageConfig.KeyCacheSize)
	if err != nil {
		panic(err)
	}
	svc := room.NewService(store, keyCache)
	creds := session.NewService(time.Duration(globalConfig.SessionConfig.TTLDays) * 24 * time.Hour)

	m := metrics.New(prometheus.DefaultRegisterer)
	if globalConfig.MetricsAddr != "" {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(globalConfig.MetricsAddr, metricsMux); err != nil {
				globals.AppLogger.Error("metrics listener stopped", "error", err)
			}
		}()
	}

	hub := ws.NewHub(globalConfig, svc, m)
	go hub.Run()
	if err := store.Subscribe(hub.HandleStorageEvent); err != nil {
		panic(err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		globals.AppLogger.Info("shutting down, draining queue and cleaning up members")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.Shutdown(ctx)
		if err := storage.CloseShared(); err != nil {
			globals.AppLogger.Error("could not close storage", "error", err)
		}
		os.Exit(0)
	}()

	g := &gateway{
		cfg:  globalConfig,
		hub:  hub,
		svc:  svc,
		auth: creds,
	}
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/room", g.createRoomHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/room", g.deleteRoomHandler).Methods(http.MethodDelete)
	router.HandleFunc("/api/v1/room/connect", g.connectRoomHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/room/leave", g.leaveRoomHandler).Methods(http.MethodPost)
	router.HandleFunc("/ws", g.websocketHandler).Methods(http.MethodGet)

	globals.AppLogger.Info("listening", "addr", *addr)
	if *sslCert != "" && *sslKey != "" {
		err = http.ListenAndServeTLS(*addr, *sslCert, *sslKey, router)
	} else {
		err = http.ListenAndServe(*addr, router)
	}
	globals.AppLogger.Error("stopped listening", "error", err)
}
