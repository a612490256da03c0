package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/webrecorder/recorder/cdx"
	"github.com/webrecorder/recorder/dedup"
	"github.com/webrecorder/recorder/warc"
)

// recorderVerify walks dir for .warc.gz files and cross-checks every
// record's {filename, offset} against the CDX rows a dedup Index claims
// for it, reporting any row whose offset doesn't land on a record
// boundary or whose filename was never produced by the walk. The index
// is the source of truth: point --redis-addr at the same Redis instance
// the recorder service wrote to.
func recorderVerify(cmd *cobra.Command, args []string) {
	dir := args[0]
	user, _ := cmd.Flags().GetString("user")
	coll, _ := cmd.Flags().GetString("coll")
	redisAddr, _ := cmd.Flags().GetString("redis-addr")

	var idx dedup.Index
	if redisAddr != "" {
		idx = dedup.NewRedisIndex(goredis.NewClient(&goredis.Options{Addr: redisAddr}))
	} else {
		slog.Error("recorder-verify requires --redis-addr pointing at the index that recorded these files")
		os.Exit(1)
	}

	offsets := make(map[string]map[int64]bool)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() || !strings.HasSuffix(path, ".warc.gz") {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()

		name := filepath.Base(path)
		seen := make(map[int64]bool)
		reader := warc.NewReader(f)
		for {
			record, eol, err := reader.ReadRecord()
			if eol {
				break
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			seen[record.Offset] = true
			record.Close()
		}
		offsets[name] = seen
		return nil
	})
	if err != nil {
		slog.Error("walk failed", "err", err.Error())
		os.Exit(1)
	}

	rows, err := idx.Range(cmd.Context(), user, coll, "", "~")
	if err != nil {
		slog.Error("index range failed", "err", err.Error())
		os.Exit(1)
	}

	mismatches := 0
	for _, row := range rows {
		if !recordBoundaryExists(offsets, row) {
			slog.Error("cdx row references missing record boundary", "filename", row.Filename, "offset", row.Offset, "urlkey", row.URLKey)
			mismatches++
		}
	}

	if mismatches > 0 {
		slog.Error("recorder-verify found mismatches", "count", mismatches)
		os.Exit(1)
	}
	slog.Info("recorder-verify: all CDX rows resolve to a record boundary", "rows", len(rows))
}

func recordBoundaryExists(offsets map[string]map[int64]bool, row cdx.Entry) bool {
	seen, ok := offsets[row.Filename]
	if !ok {
		return false
	}
	return seen[row.Offset]
}
