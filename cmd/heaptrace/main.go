package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"heaptrace/compressor"
	"heaptrace/config"
	"heaptrace/oracle"
	"heaptrace/reorder"
	"heaptrace/report"
	"heaptrace/sink"
	"heaptrace/trace"
	"heaptrace/tracker"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

var logger = logrus.WithFields(logrus.Fields{
	"app":       "heaptrace",
	"component": "cli",
})

const usage = `usage: heaptrace <subcommand> [flags]

subcommands:
  track    produce a trace with death records from a producer trace
  reorder  merge death records into chronological order
  oracle   derive the lifetime oracle (CSV, optionally MySQL)
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 1
	}

	runID := uuid.NewString()
	log := logger.WithField("run_id", runID)

	var err error
	switch args[0] {
	case "track":
		err = runTrack(log, runID, args[1:])
	case "reorder":
		err = runReorder(log, args[1:])
	case "oracle":
		err = runOracle(log, args[1:])
	default:
		fmt.Fprint(os.Stderr, usage)
		return 1
	}
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		log.Errorf("%v", err)
		return 1
	}
	return 0
}

// runTrack はtrackサブコマンド
// オフラインモードでは2パスの証跡対応再生を行い、オンラインモードでは
// 入力をコールバック面に通して並行トラッカーを動かす。
func runTrack(log *logrus.Entry, runID string, args []string) error {
	flags := pflag.NewFlagSet("track", pflag.ContinueOnError)
	in := flags.String("in", "", "producer trace file")
	out := flags.String("out", "", "output trace file (with deaths)")
	cfgPath := flags.String("config", "", "YAML config file")
	summaryPath := flags.String("summary", "", "write a run summary JSON here")
	flags.String("mode", config.ModeOffline, "online or offline")
	flags.Int64("analysis_interval", 500, "events between scheduled analyses")
	flags.Bool("witness_aware", true, "enable the witness pass (offline only)")
	flags.Bool("final_drain", true, "emit deaths for still-live objects at end")
	flags.String("compressor", "none", "trace file compression: none, zstd or lz4")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		return errors.New("track requires --in and --out")
	}

	cfg, err := config.Read(*cfgPath, flags)
	if err != nil {
		return err
	}
	kind := compressor.Kind(cfg.Compressor)
	if !kind.IsAKind() {
		return errors.Errorf("%q: %w", cfg.Compressor, compressor.ErrKind)
	}

	w, closeOut, err := openOutput(*out, kind)
	if err != nil {
		return err
	}
	defer closeOut()

	var stats tracker.Stats
	switch cfg.Mode {
	case config.ModeOffline:
		off := tracker.NewOffline(cfg.AnalysisInterval, cfg.WitnessAware, cfg.FinalDrain)
		open := func() (io.ReadCloser, error) { return openInput(*in, kind) }
		if err := off.Run(open, w); err != nil {
			return err
		}
		stats = off.Stats()

	case config.ModeOnline:
		var opts []tracker.OnlineOption
		if cfg.DeathStream.Addr != "" {
			ds, err := sink.NewRedisSink(context.Background(), cfg.DeathStream.Addr, cfg.DeathStream.Stream)
			if err != nil {
				return err
			}
			defer ds.Close()
			opts = append(opts, tracker.WithDeathSink(ds))
		}
		on := tracker.NewOnline(w, cfg.AnalysisInterval, cfg.FinalDrain, opts...)

		rc, err := openInput(*in, kind)
		if err != nil {
			return err
		}
		defer rc.Close()
		if err := replayOnline(trace.NewScanner(rc), on); err != nil {
			return err
		}
		stats = on.Stats()
	}

	if err := closeOut(); err != nil {
		return err
	}
	log.Infof("track done: %d records, %d allocs, %d deaths, %d analyses",
		stats.Records, stats.Allocs, stats.Deaths, stats.Analyses)

	if *summaryPath != "" {
		return report.Save(*summaryPath, &report.Summary{RunID: runID, Mode: cfg.Mode, Stats: stats})
	}
	return nil
}

// replayOnline は入力トレースをオンラインのコールバック面へ流し込む
// オンラインではプロデューサーを信用するため、壊れた行は致命扱い。
func replayOnline(s *trace.Scanner, on *tracker.Online) error {
	for {
		rec, err := s.Next()
		if err != nil {
			if errors.Is(err, trace.ErrEof) {
				return on.Shutdown()
			}
			return err
		}

		switch rec.Tag {
		case trace.TagAlloc, trace.TagArrayAlloc:
			err = on.OnAlloc(rec.Obj, rec.Size, rec.TypeID, rec.SiteID, rec.Length, rec.Thread)
		case trace.TagMethodEntry:
			err = on.OnMethodEntry(rec.Method, rec.Receiver, rec.Thread)
		case trace.TagMethodExit:
			err = on.OnMethodExit(rec.Method, rec.Thread)
		case trace.TagExceptionExit:
			err = on.OnExceptionExit(rec.Method, rec.Thread)
		case trace.TagPutField:
			err = on.OnPutField(rec.Target, rec.Source, rec.Field, rec.Thread)
		default:
			// W/Dはオンラインのコールバック面には存在しない
			logger.Warnf("line %d: no online callback for %q, dropping", s.Line(), string(rec.Tag))
		}
		if err != nil {
			return err
		}
	}
}

// runReorder はreorderサブコマンド
func runReorder(log *logrus.Entry, args []string) error {
	flags := pflag.NewFlagSet("reorder", pflag.ContinueOnError)
	in := flags.String("in", "", "trace with clustered death records")
	out := flags.String("out", "", "chronologically reordered trace")
	comp := flags.String("compressor", "none", "trace file compression: none, zstd or lz4")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		return errors.New("reorder requires --in and --out")
	}
	kind := compressor.Kind(*comp)

	rc, err := openInput(*in, kind)
	if err != nil {
		return err
	}
	defer rc.Close()

	w, closeOut, err := openOutput(*out, kind)
	if err != nil {
		return err
	}
	defer closeOut()

	if err := reorder.Run(rc, w); err != nil {
		return err
	}
	if err := closeOut(); err != nil {
		return err
	}
	log.Info("reorder done")
	return nil
}

// runOracle はoracleサブコマンド
func runOracle(log *logrus.Entry, args []string) error {
	flags := pflag.NewFlagSet("oracle", pflag.ContinueOnError)
	in := flags.String("in", "", "reordered trace")
	out := flags.String("out", "", "oracle CSV file")
	dsn := flags.String("mysql-dsn", "", "also insert rows into this MySQL database")
	comp := flags.String("compressor", "none", "trace file compression: none, zstd or lz4")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *in == "" || *out == "" {
		return errors.New("oracle requires --in and --out")
	}
	kind := compressor.Kind(*comp)

	rc, err := openInput(*in, kind)
	if err != nil {
		return err
	}
	defer rc.Close()

	rows, err := oracle.Build(rc)
	if err != nil {
		return err
	}

	f, err := os.Create(*out)
	if err != nil {
		return errors.Errorf("create %q: %w", *out, err)
	}
	defer f.Close()
	if err := oracle.WriteCSV(f, rows); err != nil {
		return err
	}

	if *dsn != "" {
		store, err := oracle.NewStore(*dsn)
		if err != nil {
			return err
		}
		defer store.Close()
		n, err := store.Insert(context.Background(), rows)
		if err != nil {
			return err
		}
		log.Infof("inserted %d oracle rows", n)
	}

	log.Infof("oracle done: %d rows", len(rows))
	return nil
}

// openInput は圧縮方式を考慮して入力を開く
// 方式がnoneの場合は拡張子から推定する。
func openInput(path string, kind compressor.Kind) (io.ReadCloser, error) {
	if kind == compressor.None {
		kind = compressor.ByExtension(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Errorf("open %q: %w", path, err)
	}
	cr, err := compressor.NewReader(f, kind)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &readCloser{Reader: cr, closers: []io.Closer{cr, f}}, nil
}

// openOutput は圧縮方式を考慮して出力を開く
// 返すクローズ関数は冪等で、圧縮ストリームの終端とファイルのクローズを行う。
func openOutput(path string, kind compressor.Kind) (*trace.Writer, func() error, error) {
	if kind == compressor.None {
		kind = compressor.ByExtension(path)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, errors.Errorf("create %q: %w", path, err)
	}
	cw, err := compressor.NewWriter(f, kind)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	closed := false
	closeOut := func() error {
		if closed {
			return nil
		}
		closed = true
		if err := cw.Close(); err != nil {
			f.Close()
			return errors.Errorf("close compressor: %w", err)
		}
		if err := f.Close(); err != nil {
			return errors.Errorf("close %q: %w", path, err)
		}
		return nil
	}
	return trace.NewWriter(cw), closeOut, nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
