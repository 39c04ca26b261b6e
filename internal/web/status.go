package web

import (
	"runtime"
	"runtime/debug"
	"time"

	"pca9634d/internal/output"
)

// Status carries the process details reported next to the output snapshot.
type Status struct {
	start     time.Time
	version   string
	commit    string
	dirty     bool
	goVersion string
}

func NewStatus() *Status {
	s := &Status{start: time.Now().UTC(), goVersion: runtime.Version()}
	if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
		s.version = bi.Main.Version
		for _, kv := range bi.Settings {
			switch kv.Key {
			case "vcs.revision":
				s.commit = kv.Value
			case "vcs.modified":
				s.dirty = kv.Value == "true"
			}
		}
	}
	return s
}

type StatusResponse struct {
	Service   string `json:"service"`
	Version   string `json:"version,omitempty"`
	Commit    string `json:"commit,omitempty"`
	Dirty     bool   `json:"dirty,omitempty"`
	GoVersion string `json:"go_version"`
	NowUTC    string `json:"now_utc"`
	UptimeSec int64  `json:"uptime_sec"`

	output.Snapshot
}

func (s *Status) Response(nowUTC time.Time, snap output.Snapshot) StatusResponse {
	if s == nil {
		s = &Status{start: nowUTC}
	}
	return StatusResponse{
		Service:   "pca9634d",
		Version:   s.version,
		Commit:    s.commit,
		Dirty:     s.dirty,
		GoVersion: s.goVersion,
		NowUTC:    nowUTC.Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(s.start) / time.Second),
		Snapshot:  snap,
	}
}
