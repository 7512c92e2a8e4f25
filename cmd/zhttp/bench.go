package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crazyfrankie/zhttp"
	"github.com/crazyfrankie/zhttp/discovery"
	"github.com/crazyfrankie/zhttp/discovery/etcd"
	"github.com/crazyfrankie/zhttp/discovery/memory"
	"github.com/crazyfrankie/zhttp/entity"
	"github.com/crazyfrankie/zhttp/internal/config"
	"github.com/crazyfrankie/zhttp/protocol"
)

type benchFlags struct {
	url         string
	method      string
	total       int
	concurrency int
	bodySize    int
	timeout     time.Duration
	warmup      int
}

var bf benchFlags

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Drive load against an HTTP endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()
		return runBench(cmd.Context(), cfg, bf)
	},
}

func init() {
	f := benchCmd.Flags()
	f.StringVar(&bf.url, "url", "http://127.0.0.1:8080/echo", "target URL")
	f.StringVar(&bf.method, "method", "POST", "request method")
	f.IntVar(&bf.total, "total", 10000, "total requests")
	f.IntVar(&bf.concurrency, "concurrency", 50, "concurrent workers")
	f.IntVar(&bf.bodySize, "body-size", 512, "request body size in bytes")
	f.DurationVar(&bf.timeout, "timeout", 5*time.Second, "per request timeout")
	f.IntVar(&bf.warmup, "warmup", 100, "warmup requests")
}

func requesterOptions(cfg *config.Config) ([]zhttp.RequesterOption, func(), error) {
	rc := cfg.Requester
	policy, err := protocol.ParseVersionPolicy(rc.Policy)
	if err != nil {
		return nil, nil, err
	}
	opts := []zhttp.RequesterOption{
		zhttp.DialWithVersionPolicy(policy),
		zhttp.DialWithConnectTimeout(rc.ConnectTimeout),
		zhttp.WithMaxPerRoute(rc.MaxPerRoute),
		zhttp.WithMaxTotal(rc.MaxTotal),
		zhttp.WithPipelining(rc.Pipelining),
		zhttp.WithMaxRetries(rc.MaxRetries),
	}
	if rc.Insecure {
		opts = append(opts, zhttp.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}

	closeFn := func() {}
	mode, err := discovery.ParseSelectMode(cfg.Etcd.Select)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case len(cfg.Etcd.Endpoints) > 0:
		d, err := etcd.NewDiscovery(cfg.Etcd.Endpoints, cfg.Etcd.Service)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, zhttp.WithDiscovery(d, mode))
		closeFn = func() { d.Close() }
	case len(rc.Servers) > 0:
		opts = append(opts, zhttp.WithDiscovery(memory.NewMultiServerDiscovery(rc.Servers), mode))
	}
	return opts, closeFn, nil
}

func runBench(ctx context.Context, cfg *config.Config, bf benchFlags) error {
	if bf.concurrency <= 0 || bf.total <= 0 {
		return fmt.Errorf("bench: total and concurrency must be positive")
	}
	opts, closeDiscovery, err := requesterOptions(cfg)
	if err != nil {
		return err
	}
	defer closeDiscovery()

	r := zhttp.NewRequester(opts...)
	r.Start()
	defer func() {
		r.Close(zhttp.CloseGraceful)
		r.AwaitTermination(context.Background())
	}()

	payload := []byte(strings.Repeat("z", bf.bodySize))
	send := func(ctx context.Context) error {
		var body entity.Producer
		if bf.method != "GET" && bf.method != "HEAD" && len(payload) > 0 {
			body = entity.NewBytesProducer(payload, "application/octet-stream")
		}
		rp, err := zhttp.NewRequest(bf.method, bf.url, body)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, bf.timeout)
		defer cancel()
		msg, err := zhttp.Do[[]byte](ctx, r, rp, entity.NewBytesConsumer(len(payload)+4096), nil).Get(ctx)
		if err != nil {
			return err
		}
		if msg.Head.Status >= 400 {
			return fmt.Errorf("status %d", msg.Head.Status)
		}
		return nil
	}

	zap.L().Info("warming up", zap.Int("requests", bf.warmup))
	for i := 0; i < bf.warmup; i++ {
		if err := send(ctx); err != nil {
			return fmt.Errorf("warmup: %w", err)
		}
	}

	zap.L().Info("starting benchmark",
		zap.String("url", bf.url),
		zap.Int("concurrency", bf.concurrency),
		zap.Int("total", bf.total),
		zap.Int("body_size", bf.bodySize))

	var (
		next    atomic.Int64
		okCount atomic.Int64
		errs    atomic.Int64
		mu      sync.Mutex
		lat     = make([]float64, 0, bf.total)
	)
	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for i := 0; i < bf.concurrency; i++ {
		g.Go(func() error {
			for next.Add(1) <= int64(bf.total) {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				t := time.Now()
				err := send(gctx)
				d := time.Since(t)
				mu.Lock()
				lat = append(lat, float64(d.Nanoseconds()))
				mu.Unlock()
				if err != nil {
					errs.Add(1)
					zap.L().Debug("request failed", zap.Error(err))
					continue
				}
				okCount.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	took := time.Since(start)

	report(took, okCount.Load(), errs.Load(), lat)
	return nil
}

func report(took time.Duration, ok, failed int64, lat []float64) {
	total := ok + failed
	mean, _ := stats.Mean(lat)
	median, _ := stats.Median(lat)
	maxLat, _ := stats.Max(lat)
	minLat, _ := stats.Min(lat)
	p99, _ := stats.Percentile(lat, 99)
	p999, _ := stats.Percentile(lat, 99.9)

	ms := func(ns float64) string { return time.Duration(ns).Round(time.Microsecond).String() }
	zap.L().Info(fmt.Sprintf("took %s for %d requests", took.Round(time.Millisecond), total))
	zap.L().Info("results",
		zap.Int64("ok", ok),
		zap.Int64("failed", failed),
		zap.String("success_rate", fmt.Sprintf("%.2f%%", float64(ok)*100/float64(max(total, 1)))),
		zap.Int64("tps", int64(float64(total)/max(took.Seconds(), 1e-9))),
		zap.String("mean", ms(mean)),
		zap.String("median", ms(median)),
		zap.String("min", ms(minLat)),
		zap.String("max", ms(maxLat)),
		zap.String("p99", ms(p99)),
		zap.String("p99.9", ms(p999)))
}
