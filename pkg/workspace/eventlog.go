// Copyright 2026 The OpenAgents Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workspace

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/openagents-org/openagents-go/pkg/types"
)

const dayLayout = "2006-01-02"

// AppendEvent logs an event to the current UTC day file. Rotation is the
// day boundary in the filename; the nightly sweep compresses closed days.
func (w *Workspace) AppendEvent(e *types.Event) error {
	day := e.Timestamp.UTC()
	if day.IsZero() {
		day = time.Now().UTC()
	}
	rel := filepath.Join(eventsDir, day.Format(dayLayout)+".jsonl")
	return w.appendLine(rel, e)
}

// EventsBetween replays the event log for [from, to], reading both plain
// and gzip-rotated day files in chronological order.
func (w *Workspace) EventsBetween(from, to time.Time) ([]*types.Event, error) {
	dir := filepath.Join(w.root, eventsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		dayStr := strings.TrimSuffix(strings.TrimSuffix(name, ".gz"), ".jsonl")
		day, err := time.Parse(dayLayout, dayStr)
		if err != nil {
			continue
		}
		if day.Before(from.UTC().Truncate(24*time.Hour)) || day.After(to.UTC()) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var out []*types.Event
	for _, name := range names {
		events, err := readEventFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			if e.Timestamp.Before(from) || e.Timestamp.After(to) {
				continue
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func readEventFile(path string) ([]*types.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}

	var out []*types.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e types.Event
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn tail line after a crash is skipped, not fatal.
			continue
		}
		out = append(out, &e)
	}
	return out, scanner.Err()
}

// Housekeep compresses event day-files older than today and removes files
// past the retention window. Invoked nightly and available to tests.
func (w *Workspace) Housekeep() error {
	dir := filepath.Join(w.root, eventsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	today := time.Now().UTC().Format(dayLayout)

	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".jsonl"):
			day := strings.TrimSuffix(name, ".jsonl")
			if day >= today {
				continue
			}
			if w.expired(day) {
				w.removeDayFile(dir, name)
				continue
			}
			if err := w.compressDayFile(dir, name); err != nil {
				w.logger.Warn("event log compression failed",
					zap.String("file", name), zap.Error(err))
			}
		case strings.HasSuffix(name, ".jsonl.gz"):
			if w.expired(strings.TrimSuffix(name, ".jsonl.gz")) {
				w.removeDayFile(dir, name)
			}
		}
	}
	return nil
}

func (w *Workspace) expired(day string) bool {
	if w.opts.RetentionDays <= 0 {
		return false
	}
	t, err := time.Parse(dayLayout, day)
	if err != nil {
		return false
	}
	return time.Since(t) > time.Duration(w.opts.RetentionDays)*24*time.Hour
}

func (w *Workspace) removeDayFile(dir, name string) {
	if err := os.Remove(filepath.Join(dir, name)); err != nil {
		w.logger.Warn("retention removal failed", zap.String("file", name), zap.Error(err))
	} else {
		w.logger.Info("removed expired event log", zap.String("file", name))
	}
}

// compressDayFile gzips a closed day file and removes the original. The
// file's append lock is held so a late write cannot race the swap.
func (w *Workspace) compressDayFile(dir, name string) error {
	lock := w.lockFor(filepath.Join(eventsDir, name))
	lock.Lock()
	defer lock.Unlock()

	src := filepath.Join(dir, name)
	dst := src + ".gz"

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	w.logger.Info("compressed event log", zap.String("file", name))
	return os.Remove(src)
}
