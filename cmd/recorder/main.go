package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/webrecorder/recorder/capture"
	"github.com/webrecorder/recorder/dedup"
	"github.com/webrecorder/recorder/internal/recorder"
	"github.com/webrecorder/recorder/warc"
	"github.com/webrecorder/recorder/warc/spool"
)

func init() {
	rootCmd.Flags().String("addr", ":8070", "Address to listen on")
	rootCmd.Flags().StringSlice("archive-path", []string{"./warcs/{user}/{coll}/rec-{timestamp}-{hostname}.warc.gz"}, "Destination template(s); only the first is used as the live write target")
	rootCmd.Flags().StringSlice("accept-colls", nil, "Source collections to record; empty accepts all")
	rootCmd.Flags().String("dedup-policy", "skip", "Dedup policy: skip, revisit, or dupe")
	rootCmd.Flags().String("index-failure-mode", "strict", "Dedup index failure handling: strict or lenient")
	rootCmd.Flags().StringSlice("exclude-header", []string{"Cookie", "Set-Cookie"}, "Headers stripped before a record is written")
	rootCmd.Flags().Int("rollover-idle-seconds", 0, "Close an idle WARC handle after this many seconds (0 disables)")
	rootCmd.Flags().Int("spill-threshold-bytes", 1024*1024, "Response/request body size above which capture spills to disk")
	rootCmd.Flags().String("spill-dir", os.TempDir(), "Directory for spilled capture bodies")
	rootCmd.Flags().Int("upstream-timeout-seconds", 60, "Upstream request timeout")
	rootCmd.Flags().Int("high-watermark", 128, "Writer queue capacity before Enqueue blocks")
	rootCmd.Flags().Int("max-concurrent-captures", 64, "Maximum simultaneous in-flight captures")
	rootCmd.Flags().Int64("spool-memory-budget-bytes", 0, "Global cap on in-memory capture bodies across all in-flight requests before the oldest are forced to disk (0 uses half of system RAM)")
	rootCmd.Flags().String("redis-addr", "", "Redis address for the dedup index; empty uses the in-memory index")
	rootCmd.Flags().String("software", "recorder", "warcinfo software field")
}

var rootCmd = &cobra.Command{
	Use:   "recorder",
	Short: "Runs the WARC recording proxy service",
	Long:  `Runs the WARC recording proxy service: records proxied HTTP transactions to disk as WARC, with pluggable content-addressed dedup.`,
	Run:   run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) {
	flags := cmd.Flags()

	archivePaths, _ := flags.GetStringSlice("archive-path")
	acceptColls, _ := flags.GetStringSlice("accept-colls")
	dedupPolicy, _ := flags.GetString("dedup-policy")
	indexFailureMode, _ := flags.GetString("index-failure-mode")
	excludeHeaders, _ := flags.GetStringSlice("exclude-header")
	rolloverIdle, _ := flags.GetInt("rollover-idle-seconds")
	spillThreshold, _ := flags.GetInt("spill-threshold-bytes")
	spillDir, _ := flags.GetString("spill-dir")
	upstreamTimeout, _ := flags.GetInt("upstream-timeout-seconds")
	highWatermark, _ := flags.GetInt("high-watermark")
	maxConcurrent, _ := flags.GetInt("max-concurrent-captures")
	spoolBudget, _ := flags.GetInt64("spool-memory-budget-bytes")
	redisAddr, _ := flags.GetString("redis-addr")
	software, _ := flags.GetString("software")
	addr, _ := flags.GetString("addr")

	cfg := recorder.Config{
		ArchivePaths:           archivePaths,
		AcceptColls:            acceptColls,
		DedupPolicy:            recorder.DedupPolicyName(strings.ToLower(dedupPolicy)),
		IndexFailureMode:       recorder.IndexFailureMode(strings.ToLower(indexFailureMode)),
		ExcludeHeaders:         excludeHeaders,
		RolloverIdleSeconds:    rolloverIdle,
		SpillThresholdBytes:    spillThreshold,
		WarcinfoFields:         map[string]string{"software": software, "format": "WARC File Format 1.0"},
		SpillDir:               spillDir,
		UpstreamTimeoutSeconds: upstreamTimeout,
		HighWatermark:          highWatermark,
	}

	var idx dedup.Index
	if redisAddr != "" {
		idx = dedup.NewRedisIndex(redis.NewClient(&redis.Options{Addr: redisAddr}))
		logrus.WithField("addr", redisAddr).Info("recorder: using redis dedup index")
	} else {
		idx = dedup.NewMemoryIndex()
		logrus.Warn("recorder: using in-memory dedup index, dedup state is lost on restart")
	}

	var idleTimeout time.Duration
	if rolloverIdle > 0 {
		idleTimeout = time.Duration(rolloverIdle) * time.Second
	}
	fm := warc.NewFileManager(idleTimeout, cfg.WarcinfoFields)
	defer fm.Close()

	wr := recorder.NewWriter(cfg, fm, idx)
	wr.Start()
	defer wr.Close()

	var spoolMgr *spool.Manager
	if spoolBudget > 0 {
		spoolMgr = spool.NewManager(spoolBudget)
	} else {
		spoolMgr = spool.NewManagerHalfSystemRAM()
	}

	pipeline := capture.NewPipeline(&http.Client{Timeout: time.Duration(upstreamTimeout) * time.Second}, cfg.SpillDir, cfg.SpillThresholdBytes, spoolMgr)
	router := recorder.NewRouter(cfg.AcceptColls)
	svc := recorder.NewService(pipeline, router, wr, maxConcurrent)

	logrus.WithFields(logrus.Fields{
		"addr":        addr,
		"dedupPolicy": cfg.DedupPolicy,
	}).Info("recorder: listening")

	if err := http.ListenAndServe(addr, svc); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
