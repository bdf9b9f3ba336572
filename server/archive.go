// server/archive.go
// Copyright(c) 2025 atcflow contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import (
	"context"
	"os"
	"time"

	"github.com/atcflow/datalink/cpdlc"
	"github.com/atcflow/datalink/log"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// ArchiveWriter appends archived dialogues to a zstd-compressed stream of
// msgpack records so they can be inspected after the fact. One record per
// dialogue, written the first time its archival is observed.
type ArchiveWriter struct {
	file    *os.File
	zw      *zstd.Encoder
	enc     *msgpack.Encoder
	sub     *cpdlc.EventsSubscription
	written map[cpdlc.DialogueID]interface{}
	lg      *log.Logger
}

func NewArchiveWriter(path string, events *cpdlc.EventStream, lg *log.Logger) (*ArchiveWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		return nil, err
	}

	return &ArchiveWriter{
		file:    f,
		zw:      zw,
		enc:     msgpack.NewEncoder(zw),
		sub:     events.Subscribe(),
		written: make(map[cpdlc.DialogueID]interface{}),
		lg:      lg,
	}, nil
}

// Run consumes dialogue events until the context is canceled, then
// flushes and closes the archive.
func (w *ArchiveWriter) Run(ctx context.Context) {
	defer w.lg.CatchAndReportCrash()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			w.close()
			return
		case <-ticker.C:
			w.drain()
		}
	}
}

func (w *ArchiveWriter) drain() {
	for _, ev := range w.sub.Get() {
		if ev.Type != cpdlc.DialogueChangedEvent || ev.Dialogue == nil {
			continue
		}
		d := ev.Dialogue
		if d.Archived.IsZero() {
			continue
		}
		if _, ok := w.written[d.ID]; ok {
			continue
		}

		if err := w.enc.Encode(makeDialogueDto(*d)); err != nil {
			w.lg.Errorf("archive encode: %v", err)
			continue
		}
		w.written[d.ID] = nil
	}
}

func (w *ArchiveWriter) close() {
	w.sub.Unsubscribe()
	if err := w.zw.Close(); err != nil {
		w.lg.Errorf("archive close: %v", err)
	}
	if err := w.file.Close(); err != nil {
		w.lg.Errorf("archive close: %v", err)
	}
}
