// Command etherd is the collaborative-editing daemon: it owns a shared
// directory, serves local editor connections over a Unix socket, and
// keeps the directory's content converged with any connected peers.
package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/etherdsync/etherd/internal/config"
	"github.com/etherdsync/etherd/internal/docactor"
	"github.com/etherdsync/etherd/internal/editorlisten"
	"github.com/etherdsync/etherd/internal/pathpolicy"
	"github.com/etherdsync/etherd/internal/peersync"
	"github.com/etherdsync/etherd/internal/persister"
	"github.com/etherdsync/etherd/internal/randomedit"
	"github.com/etherdsync/etherd/internal/watcher"
)

var (
	directory  string
	initFresh  bool
	randomEdit bool
	traceLevel bool
	listenAddr string
	peerAddr   string
)

func main() {
	root := &cobra.Command{
		Use:   "etherd",
		Short: "Peer-to-peer collaborative text editing daemon",
	}
	root.PersistentFlags().StringVar(&directory, "directory", ".", "directory to share")
	root.PersistentFlags().BoolVar(&initFresh, "init", false, "start from a fresh document, discarding any persisted state")
	root.PersistentFlags().BoolVar(&randomEdit, "random-edit", false, "periodically apply random edits (fuzzing/demo only)")
	root.PersistentFlags().BoolVar(&traceLevel, "trace", false, "enable debug-level logging")

	share := &cobra.Command{
		Use:   "share",
		Short: "Host a directory, accepting connections from peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(signalContext(), runOptions{isHost: true})
		},
	}
	share.Flags().StringVar(&listenAddr, "listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr")

	join := &cobra.Command{
		Use:   "join <peer-multiaddr>",
		Short: "Join a directory already shared by a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerAddr = args[0]
			return run(signalContext(), runOptions{isHost: false})
		},
	}
	join.Flags().StringVar(&listenAddr, "listen", "/ip4/0.0.0.0/tcp/0", "libp2p listen multiaddr")

	root.AddCommand(share, join)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "etherd:", err)
		os.Exit(1)
	}
}

type runOptions struct {
	isHost bool
}

// signalContext returns a context canceled on SIGINT/SIGTERM, so the
// daemon stops serving and exits. No save is made on the way out; the
// persister's most recent save is what remains on disk.
func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

func run(ctx context.Context, opts runOptions) error {
	log := logrus.New()
	if traceLevel {
		log.SetLevel(logrus.DebugLevel)
	}

	absDir, err := filepath.Abs(directory)
	if err != nil {
		return errors.Wrapf(err, "resolving %q", directory)
	}
	base, err := pathpolicy.NewAbsolutePath(absDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(base)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}

	actor, handle, err := docactor.New(docactor.Options{
		Base:   base,
		IsHost: opts.isHost,
		Init:   initFresh,
		Log:    log,
	})
	if err != nil {
		return errors.Wrap(err, "starting document actor")
	}
	go actor.Run()

	stop := make(chan struct{})
	defer close(stop)

	go persister.Run(actor.Changed(), stop, func(full bool) {
		handle.Persist()
	})

	fw, err := watcher.New(base, discoverDirs(base, log))
	if err != nil {
		return errors.Wrap(err, "starting filesystem watcher")
	}
	defer fw.Close()
	go func() {
		for ev := range fw.Events {
			handle.NotifyWatcher(ev)
		}
	}()

	ln, err := editorlisten.Listen(base, handle, log)
	if err != nil {
		return errors.Wrap(err, "starting editor listener")
	}
	defer ln.Close()
	go ln.Serve()
	log.WithField("socket", ln.Addr()).Info("editor socket ready")

	peerHost, err := startPeerSync(base, cfg, handle, log, opts.isHost)
	if err != nil {
		return err
	}
	if peerHost != nil {
		defer peerHost.Close()
	}

	if randomEdit {
		driver := randomedit.New(handle, func() (string, bool) {
			path := handle.FirstFile()
			if path == "" {
				return "", false
			}
			return handle.GetContent(pathpolicy.NewRelativePath(path))
		}, randomedit.DefaultInterval)
		go driver.Run(stop)
	}

	<-ctx.Done()
	return nil
}

func startPeerSync(base pathpolicy.AbsolutePath, cfg config.Config, handle *docactor.Handle, log *logrus.Logger, isHost bool) (*peersync.Host, error) {
	var secret []byte
	var err error
	if isHost {
		cfg, secret, err = config.EnsureSecret(base, cfg, peersync.GenerateSecret)
		if err != nil {
			return nil, errors.Wrap(err, "provisioning pre-shared secret")
		}
	} else {
		if cfg.Secret == "" {
			return nil, errors.New("no pre-shared secret configured; run `etherd share` first or copy its config")
		}
		secret, err = config.DecodeSecret(cfg.Secret)
		if err != nil {
			return nil, err
		}
	}

	addr := listenAddr
	if cfg.ListenAddr != "" {
		addr = cfg.ListenAddr
	}

	host, err := peersync.New(addr, secret, handle, log, handle.SubscribeChanges, handle.SubscribeEphemeral)
	if err != nil {
		return nil, errors.Wrap(err, "starting peer sync host")
	}

	if peerAddr != "" {
		maddr, err := multiaddr.NewMultiaddr(peerAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing peer address %q", peerAddr)
		}
		session, err := host.Connect(context.Background(), maddr)
		if err != nil {
			return nil, errors.Wrap(err, "connecting to peer")
		}
		go session.Run(context.Background())
	}
	for _, p := range cfg.Peers {
		maddr, err := multiaddr.NewMultiaddr(p)
		if err != nil {
			log.WithError(err).WithField("peer", p).Warn("skipping malformed configured peer address")
			continue
		}
		session, err := host.Connect(context.Background(), maddr)
		if err != nil {
			log.WithError(err).WithField("peer", p).Warn("could not connect to configured peer")
			continue
		}
		go session.Run(context.Background())
	}

	return host, nil
}

// discoverDirs walks base and returns every subdirectory so the watcher
// can subscribe to all of them up front (fsnotify has no recursive
// mode).
func discoverDirs(base pathpolicy.AbsolutePath, log *logrus.Logger) []pathpolicy.AbsolutePath {
	var dirs []pathpolicy.AbsolutePath
	err := filepath.WalkDir(base.String(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() || p == base.String() {
			return nil
		}
		name := d.Name()
		if name == ".git" || name == ".ethersync" {
			return filepath.SkipDir
		}
		abs, aerr := pathpolicy.NewAbsolutePath(p)
		if aerr != nil {
			return nil
		}
		dirs = append(dirs, abs)
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("walking directory tree for watcher setup")
	}
	return dirs
}
