// Command gochain is the thin CLI/config shell around the mesh node core:
// it wires genesis, storage, the UTXO/chain node, mempool, duty-cycle
// accounting, the priority queue, the mesh transport, and the sync state
// machine together, and exposes wallet key-management subcommands. The
// HTTP/REST adapter described alongside pkg/node.ReadAPI is an external
// collaborator and is not implemented here.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gochain/gochain/pkg/dutycycle"
	"github.com/gochain/gochain/pkg/genesis"
	"github.com/gochain/gochain/pkg/logger"
	"github.com/gochain/gochain/pkg/mempool"
	"github.com/gochain/gochain/pkg/mesh"
	"github.com/gochain/gochain/pkg/node"
	"github.com/gochain/gochain/pkg/priority"
	"github.com/gochain/gochain/pkg/storage"
	syncpkg "github.com/gochain/gochain/pkg/sync"
	"github.com/gochain/gochain/pkg/utxo"
	"github.com/gochain/gochain/pkg/wallet"
)

var (
	configFile string
	dataDir    string
	nodeID     string
	network    string
	region     string
	listenAddr string
	walletFile string
	passphrase string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gochain",
		Short: "A UTXO blockchain node for hybrid LoRa-mesh/internet topologies",
		RunE:  runNode,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./gochain.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "data directory for persistence")
	rootCmd.PersistentFlags().StringVar(&nodeID, "node-id", "node-1", "this node's identifier")
	rootCmd.PersistentFlags().StringVar(&network, "network", "devnet", "network type: mainnet, testnet, devnet, private")
	rootCmd.PersistentFlags().StringVar(&region, "region", "EU", "duty-cycle regulatory region")
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", "127.0.0.1:9735", "UDP address the mesh transceiver binds")
	rootCmd.PersistentFlags().StringVar(&walletFile, "wallet-file", "wallet.json", "wallet storage key")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "wallet encryption passphrase")

	rootCmd.AddCommand(createWalletCmd())
	rootCmd.AddCommand(createTransactionCmd())
	rootCmd.AddCommand(getBalanceCmd())
	rootCmd.AddCommand(getBlockchainInfoCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() error {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("gochain")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func setupLogger() *logger.Logger {
	cfg := logger.DefaultConfig()
	switch viper.GetString("logging.level") {
	case "debug":
		cfg.Level = logger.DEBUG
	case "warn":
		cfg.Level = logger.WARN
	case "error":
		cfg.Level = logger.ERROR
	case "info", "":
		cfg.Level = logger.INFO
	}
	cfg.UseJSON = viper.GetString("logging.format") == "json"
	if f := viper.GetString("logging.log_file"); f != "" {
		cfg.LogFile = f
	}
	if ms := viper.GetInt64("logging.max_size"); ms > 0 {
		cfg.MaxSize = ms
	}
	if mb := viper.GetInt("logging.max_backups"); mb > 0 {
		cfg.MaxBackups = mb
	}
	cfg.Prefix = "gochain"
	return logger.NewLogger(cfg)
}

// networkTypeFromFlag maps the --network flag to genesis.NetworkType and
// the sync state machine's own NetworkType, which are deliberately
// separate enums (genesis config vs. wire-protocol network id).
func networkTypeFromFlag(n string) (genesis.NetworkType, syncpkg.NetworkType) {
	switch n {
	case "mainnet":
		return genesis.Mainnet, syncpkg.NetworkMainnet
	case "testnet":
		return genesis.Testnet, syncpkg.NetworkTestnet
	case "private":
		return genesis.Private, syncpkg.NetworkDevnet
	default:
		return genesis.Devnet, syncpkg.NetworkDevnet
	}
}

func defaultGenesisConfig(netType genesis.NetworkType) *genesis.Config {
	difficulty := uint32(2)
	if d := viper.GetInt("consensus.initial_difficulty"); d > 0 {
		difficulty = uint32(d)
	}
	return &genesis.Config{
		ChainID:     "gochain-" + string(netType),
		NetworkName: "gochain",
		Version:     "1.0.0",
		TotalSupply: 21_000_000_00000000,
		NetworkParams: genesis.NetworkParams{
			InitialDifficulty:  difficulty,
			TargetBlockTime:    10 * time.Minute,
			AdjustmentPeriod:   10,
			MaxDifficultyRatio: 4,
			MaxBlockSize:       1024 * 1024,
			MiningReward:       50_00000000,
			HalvingInterval:    210_000,
		},
		Metadata: genesis.Metadata{
			Timestamp:   time.Unix(0, 0).UnixMilli(),
			Description: "gochain mesh node genesis block",
			Creator:     "gochain",
			NetworkType: netType,
		},
	}
}

func openStorage() (storage.Store, error) {
	switch viper.GetString("storage.backend") {
	case "badger":
		return storage.OpenBadgerStore(dataDir, storage.Options{})
	case "leveldb":
		return storage.OpenLevelDBStore(dataDir)
	default:
		return storage.NewMemoryStore(storage.Options{}), nil
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	log := setupLogger()
	defer log.Close()

	genNetType, syncNetType := networkTypeFromFlag(network)
	genCfg := defaultGenesisConfig(genNetType)
	result, err := genesis.Build(genCfg, time.Now())
	if err != nil {
		return fmt.Errorf("failed to build genesis: %w", err)
	}

	store, err := openStorage()
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer store.Close()

	n := node.New(node.Config{
		NodeID:        nodeID,
		Genesis:       result,
		NetworkParams: genCfg.NetworkParams,
		Algorithm:     utxo.Secp256k1,
		Logger:        log,
	})
	defer n.Close()

	mp := mempool.NewMempool(mempool.DefaultMempoolConfig())

	dc := dutycycle.New(dutycycle.Region(region), false)
	pc := priority.NewCalculator(priority.DefaultConfig(), n.GetHeight)
	pq := priority.NewQueue(nil, priority.DefaultEmergencyReserve)

	sm := syncpkg.NewMachine(syncNetType, syncpkg.StrategyHybrid)

	tx, err := newUDPTransceiver(listenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind mesh transceiver: %w", err)
	}
	defer tx.Close()

	meshNode := mesh.New(mesh.Config{
		NodeID:      nodeID,
		Transceiver: tx,
		Logger:      log,
	})
	defer meshNode.Stop()
	meshNode.StartHeartbeatLoop()

	log.Info("gochain node %s started on %s, network=%s region=%s height=%d", nodeID, listenAddr, network, region, n.GetHeight())
	log.Info("sync state machine initialized at %s, duty-cycle preset %s", sm.State(), dc.Preset().Region)
	go driveSyncMachine(sm, n, mp, log)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			info := n.GetBlockchainInfo()
			qstats := pq.Stats()
			dcStats := dc.Stats()
			lvl := pc.Calculate(priority.Message{Type: priority.MsgSync}, priority.NetworkContext{UTXOCompleteness: n.UTXOCompleteness()})
			log.Info("status: height=%d difficulty=%d pending=%d neighbors=%d queued=%d duty_cycle_pct=%.2f sync_priority=%s",
				info.Height, info.Difficulty, mp.GetTransactionCount(), len(meshNode.Neighbors()), qstats.Enqueued-qstats.Dequeued, dcStats.CurrentDutyCycle, lvl)
		case <-stop:
			log.Info("shutting down")
			return nil
		}
	}
}

// driveSyncMachine pushes sm through every phase of spec §4.8's protocol in
// the background once at startup. This CLI has no peer capability-exchange
// RPC yet, so it advertises itself as the sole peer and validates the
// node's own local chain/UTXO set/mempool through the same Complete*/Plan*
// calls a real multi-peer fetch would use — a future peer-fetch transport
// feeds the same methods with data pulled from other nodes instead of the
// local state.
//
// It runs on its own goroutine and polls TryNegotiate rather than calling it
// once, because a node calls this immediately after NewMachine, when
// NegotiatingTimeout has not yet elapsed: TryNegotiate is designed to let a
// lone node proceed once that timeout passes, not on the first attempt.
func driveSyncMachine(sm *syncpkg.Machine, n *node.Node, mp *mempool.Mempool, log *logger.Logger) {
	height := n.GetHeight()
	sm.ObservePeer(syncpkg.PeerCapabilities{
		PeerID:          nodeID,
		ProtocolVersion: syncpkg.HeaderSyncProtocolVersion,
		Capabilities:    []string{syncpkg.HeaderSyncCapability},
		Height:          height,
		Transport:       syncpkg.TransportDirect,
	})
	pollInterval := syncpkg.NegotiatingTimeout / 10
	deadline := time.Now().Add(syncpkg.NegotiatingTimeout * 2)
	for !sm.TryNegotiate() {
		if time.Now().After(deadline) {
			log.Warn("sync: gave up leaving DISCOVERING after %s (need %d peers)", syncpkg.NegotiatingTimeout*2, syncpkg.NegotiatingMinPeers)
			return
		}
		time.Sleep(pollInterval)
	}
	if ok, err := sm.TryHeaderSync(); err != nil || !ok {
		log.Warn("sync: no peer advertises header sync capability yet, ok=%v err=%v", ok, err)
		return
	}

	headers := n.GetBlocks(0, int(height)+1)
	if err := sm.CompleteHeaderSync(headers, true); err != nil {
		log.Error("sync: header validation failed: %v", err)
		return
	}

	set := n.UTXOSet()
	var utxoErr error
	if sm.UTXOSyncMode() == "delta" {
		utxoErr = sm.CompleteUTXOSetSync(set, nil, &syncpkg.UTXODelta{})
	} else {
		utxoErr = sm.CompleteUTXOSetSync(set, &syncpkg.UTXOSnapshot{}, nil)
	}
	if utxoErr != nil {
		log.Error("sync: utxo set sync failed: %v", utxoErr)
		return
	}

	if ranges, err := sm.PlanBlockSync(); err != nil {
		log.Debug("sync: block sync plan: %v", err)
	} else if len(ranges) > 0 {
		log.Info("sync: %d block body range(s) still needed beyond locally-known height %d", len(ranges), height)
	}
	if err := sm.CompleteBlockSync(nil, set); err != nil {
		log.Error("sync: block sync failed: %v", err)
		return
	}

	if err := sm.CompleteMempoolSync(mp, nil); err != nil {
		log.Error("sync: mempool sync failed: %v", err)
		return
	}
	log.Info("sync state machine reached %s", sm.State())
}

// udpTransceiver is the CLI's concrete byte-pipe: a UDP broadcast socket
// standing in for radio hardware when exercising the mesh core without
// real LoRa transceivers attached.
type udpTransceiver struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
}

func newUDPTransceiver(addr string) (*udpTransceiver, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = "255.255.255.255"
	}
	daddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, "9736"))
	if err != nil {
		daddr = laddr
	}
	return &udpTransceiver{conn: conn, dst: daddr}, nil
}

func (u *udpTransceiver) Send(frame []byte) error {
	_, err := u.conn.WriteToUDP(frame, u.dst)
	return err
}

func (u *udpTransceiver) Recv() ([]byte, error) {
	buf := make([]byte, 512)
	n, _, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (u *udpTransceiver) Close() error {
	return u.conn.Close()
}

func openWallet(ws storage.Store, utxos *utxo.Set) (*wallet.Wallet, error) {
	wcfg := wallet.DefaultConfig()
	wcfg.Passphrase = passphrase
	wcfg.WalletKey = walletFile
	w, err := wallet.New(wcfg, utxos, ws)
	if err != nil {
		return nil, err
	}
	if err := w.Load(); err != nil {
		if _, aerr := w.CreateAccount(); aerr != nil {
			return nil, aerr
		}
	}
	return w, nil
}

func createWalletCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wallet",
		Short: "Create or load a wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := storage.NewMemoryStore(storage.Options{})
			defer ws.Close()
			w, err := openWallet(ws, utxo.NewSet())
			if err != nil {
				return fmt.Errorf("failed to open wallet: %w", err)
			}
			if err := w.Save(); err != nil {
				return fmt.Errorf("failed to save wallet: %w", err)
			}
			acct := w.DefaultAccount()
			if acct == nil {
				return fmt.Errorf("wallet has no default account")
			}
			fmt.Println(acct.String())
			return nil
		},
	}
}

func createTransactionCmd() *cobra.Command {
	var from, to string
	var amount, fee uint64

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := storage.NewMemoryStore(storage.Options{})
			defer ws.Close()
			w, err := openWallet(ws, utxo.NewSet())
			if err != nil {
				return fmt.Errorf("failed to open wallet: %w", err)
			}
			tx, err := w.CreateTransaction(from, to, amount, fee)
			if err != nil {
				return fmt.Errorf("failed to create transaction: %w", err)
			}
			fmt.Printf("transaction %s submitted (fee=%d)\n", tx.ID, tx.Fee)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "sender address")
	cmd.Flags().StringVar(&to, "to", "", "recipient address")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount to send")
	cmd.Flags().Uint64Var(&fee, "fee", 0, "transaction fee")
	return cmd
}

func getBalanceCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Get account balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws := storage.NewMemoryStore(storage.Options{})
			defer ws.Close()
			w, err := openWallet(ws, utxo.NewSet())
			if err != nil {
				return fmt.Errorf("failed to open wallet: %w", err)
			}
			fmt.Printf("%d\n", w.Balance(address))
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "address to query")
	return cmd
}

func getBlockchainInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Get blockchain information",
		RunE: func(cmd *cobra.Command, args []string) error {
			genNetType, _ := networkTypeFromFlag(network)
			genCfg := defaultGenesisConfig(genNetType)
			result, err := genesis.Build(genCfg, time.Now())
			if err != nil {
				return fmt.Errorf("failed to build genesis: %w", err)
			}
			n := node.New(node.Config{
				NodeID:        nodeID,
				Genesis:       result,
				NetworkParams: genCfg.NetworkParams,
				Algorithm:     utxo.Secp256k1,
			})
			defer n.Close()
			info := n.GetBlockchainInfo()
			fmt.Printf("height=%d tip=%s difficulty=%d genesis_hash=%s\n", info.Height, info.TipHash, info.Difficulty, result.Block.Hash)
			return nil
		},
	}
}
