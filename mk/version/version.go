// Package version records udpdk build information.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"time"
)

// Variables replaced via -ldflags -X.
var (
	commit string
	date   string
	dirty  string
)

// Version records build information.
type Version struct {
	Version string    `json:"version"`
	Commit  string    `json:"commit"`
	Date    time.Time `json:"date"`
	Dirty   bool      `json:"dirty"`
}

func (v Version) String() string {
	return v.Version
}

// Get returns version information.
// Linker-provided values take priority over VCS stamps embedded by the go command.
func Get() (v Version) {
	v.Commit, v.Dirty = commit, dirty != ""
	if dt, e := strconv.ParseInt(date, 10, 64); e == nil {
		v.Date = time.Unix(dt, 0).UTC()
	}

	if len(v.Commit) != 40 {
		fromBuildInfo(&v)
	}
	if len(v.Commit) != 40 {
		return Version{Version: "development", Commit: "unknown", Date: time.Now().UTC(), Dirty: true}
	}

	suffix := ""
	if v.Dirty {
		suffix = "-dirty"
	}
	v.Version = fmt.Sprintf("v0.0.0-%s-%s%s", v.Date.Format("20060102150405"), v.Commit[:12], suffix)
	return v
}

func fromBuildInfo(v *Version) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			v.Commit = s.Value
		case "vcs.time":
			if t, e := time.Parse(time.RFC3339, s.Value); e == nil {
				v.Date = t.UTC()
			}
		case "vcs.modified":
			v.Dirty = s.Value == "true"
		}
	}
}
