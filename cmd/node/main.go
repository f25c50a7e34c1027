// main.go - lokinet-go node binary.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/oxen-io/lokinet-go/config"
	"github.com/oxen-io/lokinet-go/crypto"
	"github.com/oxen-io/lokinet-go/exitendpoint"
	"github.com/oxen-io/lokinet-go/log"
	"github.com/oxen-io/lokinet-go/loop"
	"github.com/oxen-io/lokinet-go/metrics"
	"github.com/oxen-io/lokinet-go/netfetch"
	"github.com/oxen-io/lokinet-go/nodedb"
	"github.com/oxen-io/lokinet-go/pathplane"
	"github.com/oxen-io/lokinet-go/policy"
	"github.com/oxen-io/lokinet-go/rc"
	"github.com/oxen-io/lokinet-go/relay"
	"github.com/oxen-io/lokinet-go/router"
	"github.com/oxen-io/lokinet-go/transit"
	"github.com/oxen-io/lokinet-go/transport"
	"github.com/oxen-io/lokinet-go/wireframe"
)

// cliArgs holds the command line configuration.
type cliArgs struct {
	ConfigFile string
	GenOnly    bool
}

func newRootCommand() *cobra.Command {
	var args cliArgs

	cmd := &cobra.Command{
		Use:   "node",
		Short: "lokinet-go mixnet node",
		Long: `node runs one participant in the onion-routed path plane: a
client that builds paths and sends control/data traffic through them,
or a relay/exit that splices transit hops and forwards frames.

The role is selected by the "role" key in the node's TOML config file
("client", "relay", or "exit").`,
		Example: `  # Start a node with the default config path
  node

  # Start with an explicit config file
  node --config /etc/lokinet/node.toml

  # Generate identity/encryption keys only and exit
  node --generate-only`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNode(args)
		},
	}

	cmd.Flags().StringVarP(&args.ConfigFile, "config", "f", "lokinet.toml",
		"path to the node configuration file (TOML format)")
	cmd.Flags().BoolVarP(&args.GenOnly, "generate-only", "g", false,
		"generate cryptographic keys and exit without starting the node")

	return cmd
}

func main() {
	rootCmd := newRootCommand()
	if err := fang.Execute(context.Background(), rootCmd, fang.WithVersion(versioninfo.Short())); err != nil {
		os.Exit(1)
	}
}

func runNode(args cliArgs) error {
	if os.Getenv("GOMAXPROCS") == "" {
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	cfg, err := config.LoadFile(args.ConfigFile)
	if err != nil {
		return fmt.Errorf("node: failed to load config file %q: %w", args.ConfigFile, err)
	}

	signKP, err := crypto.LoadOrGenerateSignKeypair(cfg.IdentityKey)
	if err != nil {
		return fmt.Errorf("node: identity key: %w", err)
	}
	dhKP, err := crypto.LoadOrGenerateDHKeypair(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("node: encryption key: %w", err)
	}
	if args.GenOnly {
		return nil
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return fmt.Errorf("node: logging: %w", err)
	}
	mainLog := logBackend.GetLogger("node")

	selfRC, err := buildSelfRC(signKP, dhKP, cfg)
	if err != nil {
		return fmt.Errorf("node: building self RC: %w", err)
	}

	isClient := cfg.Role == config.RoleClient
	db := nodedb.New(isClient)
	db.SetRole(selfRC.ID(), nodedb.Whitelist)
	if _, _, err := nodedb.LoadFromDisk(db, cfg.NodeDB.RootDir); err != nil {
		return fmt.Errorf("node: loading nodedb: %w", err)
	}
	if pinned, err := decodeHexIDs(cfg.NodeDB.PinnedEdges); err != nil {
		return fmt.Errorf("node: pinned_edges: %w", err)
	} else if len(pinned) > 0 {
		db.SetPinnedEdges(pinned)
	}

	registry := metrics.NewRegistry()
	if cfg.MetricsAddr != "" {
		metrics.Serve(cfg.MetricsAddr, registry)
	}

	l := loop.New()
	diskPool := nodedb.NewDiskWorkerPool(4, l)

	var handler *pathplane.Handler
	var relayLn *transport.Listener
	var relayInstance *relay.Relay
	relayLn, err = transport.New(cfg.ListenAddr, func(remoteAddr string, frame []byte) {
		if relayInstance != nil {
			relayInstance.HandleFrame(remoteAddr, frame)
			return
		}
		if handler != nil {
			env, err := wireframe.Unmarshal(frame)
			if err != nil {
				return
			}
			handler.HandleInboundFrame(env)
		}
	})
	if err != nil {
		return fmt.Errorf("node: relay listener: %w", err)
	}
	if err := relayLn.Start(); err != nil {
		return fmt.Errorf("node: starting relay listener: %w", err)
	}
	defer relayLn.Stop()

	var fetchLn *transport.Listener
	var fetchRequester *netfetch.Requester
	if cfg.NodeDB.FetchListenAddr != "" {
		fetchLn, err = transport.New(cfg.NodeDB.FetchListenAddr, func(remoteAddr string, frame []byte) {
			if fetchRequester != nil {
				fetchRequester.HandleFrame(remoteAddr, frame)
			}
		})
		if err != nil {
			return fmt.Errorf("node: fetch listener: %w", err)
		}
		if err := fetchLn.Start(); err != nil {
			return fmt.Errorf("node: starting fetch listener: %w", err)
		}
		defer fetchLn.Stop()

		fetchRequester = netfetch.New(fetchLn, db)
		fetchRequester.Serve(db.Snapshot, func() [][32]byte { return nil })
	}

	var fetcher *nodedb.Fetcher
	var fetchTicker *time.Ticker
	if fetchRequester != nil {
		fetcher = nodedb.NewFetcher(db, fetchRequester)
		fetchTicker = time.NewTicker(cfg.NodeDBFlushInterval())
		go runFetchLoop(l, fetcher, db, fetchTicker, mainLog)
	}

	var table *transit.Table
	switch cfg.Role {
	case config.RoleClient:
		sendFn := func(env *wireframe.Envelope) error {
			if handler == nil {
				return fmt.Errorf("node: path handler not yet initialized")
			}
			p, ok := handler.PathByFirstHopRxID(env.HopID)
			if !ok {
				return fmt.Errorf("node: no path for outbound hop id")
			}
			addr, err := addrOf(p.Hops[0].RC)
			if err != nil {
				return err
			}
			frame, err := env.Marshal()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), transport.DialTimeout)
			defer cancel()
			return relayLn.SendTo(ctx, addr, frame)
		}
		handler = pathplane.NewHandler(cfg.PathBuild.NumHops, cfg.PathBuild.NumPathsDesired, db, l, sendFn, 0)

	case config.RoleRelay, config.RoleExit:
		table = transit.New()
		relayInstance = relay.New(table, db, relayLn, dhKP)
		relayInstance.RefreshAddressIndex()

		if cfg.Role == config.RoleExit {
			pol, err := buildExitPolicy(cfg.Exit)
			if err != nil {
				return fmt.Errorf("node: exit policy: %w", err)
			}
			r := router.New(func(router.Packet) {})
			if _, err := exitendpoint.New(cfg.Nickname, cfg.Exit.CIDR, cfg.Exit.PermitInternet, pol, r); err != nil {
				return fmt.Errorf("node: exit endpoint: %w", err)
			}
		}
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	go func() {
		<-rotateCh
		_ = logBackend.Rotate()
	}()

	<-haltCh
	mainLog.Notice("halting")
	if fetchTicker != nil {
		fetchTicker.Stop()
	}
	l.Halt()
	diskPool.Halt()
	if err := nodedb.SaveAllToDisk(db, cfg.NodeDB.RootDir); err != nil {
		mainLog.Errorf("saving nodedb: %s", err)
	}
	return nil
}

func runFetchLoop(l *loop.Loop, f *nodedb.Fetcher, db *nodedb.DB, ticker *time.Ticker, logger interface{ Errorf(string, ...interface{}) }) {
	for range ticker.C {
		l.Call(func() {
			if err := f.SyncFullRCSet(func() ([32]byte, bool) {
				rcs := db.Snapshot()
				if len(rcs) == 0 {
					return [32]byte{}, false
				}
				return rcs[0].ID(), true
			}, nil); err != nil {
				logger.Errorf("full rc sync: %s", err)
			}
		})
	}
}

func buildSelfRC(signKP *crypto.SignKeypair, dhKP *crypto.DHKeypair, cfg *config.Config) (*rc.RC, error) {
	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	r := &rc.RC{
		IdentityKey:   signKP.Public,
		EncryptionKey: dhKP.Public,
		Nickname:      cfg.Nickname,
		LastUpdatedMS: time.Now().UnixMilli(),
	}
	if ip != nil {
		r.Addresses = []rc.AddressInfo{{IP: ip, Port: uint16(port)}}
	}
	if err := rc.Sign(signKP, r); err != nil {
		return nil, err
	}
	return r, nil
}

func buildExitPolicy(cfg config.Exit) (policy.TrafficPolicy, error) {
	var ranges []policy.IPRange
	for _, cidr := range cfg.AllowedRanges {
		ipr, err := policy.NewIPRange(cidr)
		if err != nil {
			return policy.TrafficPolicy{}, err
		}
		ranges = append(ranges, ipr)
	}
	return policy.TrafficPolicy{Ranges: ranges}, nil
}

func decodeHexIDs(hexIDs []string) ([][32]byte, error) {
	out := make([][32]byte, 0, len(hexIDs))
	for _, h := range hexIDs {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, err
		}
		if len(b) != 32 {
			return nil, fmt.Errorf("expected 32-byte identity, got %d bytes", len(b))
		}
		var id [32]byte
		copy(id[:], b)
		out = append(out, id)
	}
	return out, nil
}

func addrOf(target *rc.RC) (string, error) {
	for _, a := range target.Addresses {
		if a.IP != nil {
			return a.IP.String() + ":" + strconv.Itoa(int(a.Port)), nil
		}
	}
	return "", fmt.Errorf("node: no dialable address for hop")
}
