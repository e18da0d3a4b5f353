package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/ByteSwarm/config"
	"github.com/jaywantadh/ByteSwarm/internal/download"
	"github.com/jaywantadh/ByteSwarm/internal/manifest"
	"github.com/jaywantadh/ByteSwarm/internal/metadata"
	"github.com/jaywantadh/ByteSwarm/internal/metainfo"
	"github.com/jaywantadh/ByteSwarm/internal/transfer"
	"github.com/jaywantadh/ByteSwarm/pkg/env"
	"github.com/jaywantadh/ByteSwarm/pkg/logging"
)

func main() {
	if err := env.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	logging.InitLogger(false)

	if err := newApp().Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "byteswarm",
		Usage: "Download content from a swarm of peers with per-piece verification",
		Commands: []*cli.Command{
			fetchCommand(),
			inspectCommand(),
		},
	}
}

func fetchCommand() *cli.Command {
	return &cli.Command{
		Name:    "fetch",
		Aliases: []string{"f"},
		Usage:   "Download the content described by a .torrent file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "torrent", Aliases: []string{"t"}, Usage: "path to the .torrent file", Required: true},
			&cli.StringSliceFlag{Name: "peer", Aliases: []string{"p"}, Usage: "peer as ip:port or ip:port@<40 hex peer id>, repeatable", Required: true},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file (defaults to the torrent name)"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "directory holding config.yaml", Value: env.GetEnv("CONFIG_DIR", ".")},
			&cli.StringFlag{Name: "resume-db", Usage: "badger directory for resume state (overrides config)"},
			&cli.DurationFlag{Name: "progress", Usage: "progress report interval", Value: 2 * time.Second},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		},
		Action: runFetch,
	}
}

func runFetch(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("resume-db") {
		cfg.ResumeDB = c.String("resume-db")
	}
	logging.InitLogger(cfg.Debug || c.Bool("debug"))
	log := logging.Component("fetch")

	mi, err := metainfo.Load(c.String("torrent"))
	if err != nil {
		return err
	}
	m, err := mi.Manifest()
	if err != nil {
		return err
	}
	peers, err := manifest.ParsePeers(c.StringSlice("peer"))
	if err != nil {
		return err
	}
	out := c.String("out")
	if out == "" {
		out = filepath.Base(m.Name)
	}

	tracker := transfer.NewProgressTracker(m.Name, m.PieceCount(), int64(m.TotalLength))
	opts := []download.Option{
		download.WithLogger(log),
		download.WithEventHandler(tracker.Handle),
	}
	if cfg.ResumeDB != "" {
		store, err := metadata.OpenMetadataStore(cfg.ResumeDB)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, download.WithResumeStore(store))
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go tracker.MonitorProgress(c.Duration("progress"), done, func(p transfer.TransferProgress) {
		log.Info(p.String())
	})

	log.WithField("peers", len(peers)).WithField("output", out).
		Infof("fetching %s (%s, %d pieces)", m.Name, humanize.IBytes(m.TotalLength), m.PieceCount())
	res, err := download.New(cfg.Download(), opts...).Run(ctx, m, peers, out)
	close(done)
	tracker.Finish(res.Status)
	log.Info(tracker.GetProgress().String())

	for addr, n := range res.Suspects {
		log.WithField("peer", addr).Warnf("sent %d corrupt pieces", n)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("download %s: %v", res.Status, err), 1)
	}
	log.Infof("saved %s in %s", out, res.Elapsed.Round(time.Millisecond))
	return nil
}

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Aliases:   []string{"i"},
		Usage:     "Print what a .torrent file describes",
		ArgsUsage: "<file.torrent>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "pieces", Usage: "list every piece digest"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("inspect expects exactly one .torrent file", 2)
			}
			mi, err := metainfo.Load(c.Args().First())
			if err != nil {
				return err
			}
			m, err := mi.Manifest()
			if err != nil {
				return err
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Name:         %s\n", m.Name)
			fmt.Fprintf(w, "Info hash:    %s\n", m.HexHash())
			fmt.Fprintf(w, "Size:         %s (%d bytes)\n", humanize.IBytes(m.TotalLength), m.TotalLength)
			fmt.Fprintf(w, "Piece length: %s\n", humanize.IBytes(uint64(m.PieceLength)))
			fmt.Fprintf(w, "Pieces:       %d\n", m.PieceCount())
			if mi.Announce != "" {
				fmt.Fprintf(w, "Announce:     %s\n", mi.Announce)
			}
			if mi.Private {
				fmt.Fprintln(w, "Private:      yes")
			}
			if c.Bool("pieces") {
				for i, h := range m.PieceHashes {
					fmt.Fprintf(w, "%6d  %x  %s\n", i, h, humanize.IBytes(uint64(m.PieceSize(uint32(i)))))
				}
			}
			return nil
		},
	}
}
