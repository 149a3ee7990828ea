// gatewayd is the edge gateway daemon: it bridges local BLE (and
// ZigBee) nodes to the IoT cloud through the cloud-client process,
// wiring the template database, the BLE object tracker, the node
// manager, the op queue, and the external-interface adapter together.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ayla-edge/gatewayd/internal/bot"
	"github.com/ayla-edge/gatewayd/internal/eia"
	"github.com/ayla-edge/gatewayd/internal/gdb"
	"github.com/ayla-edge/gatewayd/internal/nm"
	"github.com/ayla-edge/gatewayd/internal/poq"
	"github.com/ayla-edge/gatewayd/pkg/value"
)

// factoryConfig is the minimal slice of the factory config this daemon
// reads itself; the rest of the file belongs to deployment tooling.
type factoryConfig struct {
	SocketDir string `json:"socket_dir"`
	LogLevel  string `json:"log_level"`
	PurgeFile bool   `json:"file_ops_purge"`
}

var rootCmd = &cobra.Command{
	Use:   "gatewayd <factory-config> <runtime-config-dir>",
	Short: "BLE/ZigBee to cloud edge gateway daemon",
	Args:  cobra.ExactArgs(2),
	RunE:  func(cmd *cobra.Command, args []string) error {
		return run(args[0], args[1])
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}

func loadFactoryConfig(path string) (*factoryConfig, error) {
	cfg := &factoryConfig{SocketDir: "/var/run", LogLevel: "info"}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// scanLogger publishes scan results to the log until a LAN UI consumes
// them through the cloud client.
type scanLogger struct{}

func (scanLogger) PublishScanResults(results []bot.ScanResult) {
	for _, r := range results {
		log.WithFields(log.Fields{
			"addr": r.Addr,
			"name": r.Name,
			"rssi": r.RSSI,
			"type": r.Type,
		}).Info("scan result")
	}
}

func run(factoryPath, runtimeDir string) error {
	cfg, err := loadFactoryConfig(factoryPath)
	if err != nil {
		return fmt.Errorf("factory config: %w", err)
	}
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if err := os.MkdirAll(runtimeDir, 0700); err != nil {
		return fmt.Errorf("runtime config dir: %w", err)
	}

	store := eia.NewStore(runtimeDir)
	db := gdb.Seed()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("system bus: %w", err)
	}
	defer conn.Close()

	// The tracker, manager, queue, and client reference each other in
	// a cycle; construct first, bind second.
	tracker := bot.NewTracker(conn, nil, db, scanLogger{})
	network := bot.NewNetwork(tracker)

	policy := poq.FileOpsRetry
	if cfg.PurgeFile {
		policy = poq.FileOpsPurge
	}
	queue := poq.New(nil, nil, policy)
	cloud := poq.NewCloudAdapter(queue)
	manager := nm.NewManager(network, cloud, store)
	tracker.SetNodeManager(manager)

	sched := eia.NewScheduler(eia.NewApplier(manager, queue), store)
	client := eia.NewClient(cfg.SocketDir, queue, manager, sched)
	queue.Bind(client, manager)
	queue.OnEchoFailure = func(name, errCode string, dests poq.Dest) {
		manager.MarkPropADSFailureByName(name)
	}
	queue.OnADSFailure = func(ref poq.PropRef, _ value.Value) {
		manager.MarkPropADSFailure(ref.Addr, ref.Subdevice, ref.Template, ref.Name)
	}

	if err := manager.LoadNodes(); err != nil {
		log.WithError(err).Warn("node config load failed")
	}
	if err := sched.Load(); err != nil {
		log.WithError(err).Warn("schedule config load failed")
	}

	if err := tracker.Bootstrap(); err != nil {
		return fmt.Errorf("bluetooth bootstrap: %w", err)
	}

	stop := make(chan struct{})
	tracker.StartMonitor(stop)
	go queue.Run(stop)
	client.Start()
	tracker.Discover(true)

	log.Info("gatewayd up")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	close(stop)
	client.Close()
	log.Info("gatewayd shutting down")
	return nil
}
