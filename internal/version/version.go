// Package version holds build metadata. Release builds stamp the variables
// with -ldflags; anything left unset comes from the VCS settings the go
// toolchain embeds.
package version

import "runtime/debug"

// AppName names the service in logs, traces, profiles and outbound requests.
const AppName = "topupstore"

// set with -ldflags "-X github.com/keithlinneman/topupstore/internal/version.Version=..."
var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	AppName    string `json:"app"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() *Info {
	bi, _ := debug.ReadBuildInfo()
	return merge(bi)
}

// merge overlays embedded build info onto the stamped values. Stamped values
// win except GoVersion, which always reports the toolchain that built the
// binary. bi may be nil.
func merge(bi *debug.BuildInfo) *Info {
	info := &Info{
		AppName:    AppName,
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi == nil {
		return info
	}

	info.GoVersion = bi.GoVersion
	vcs := map[string]string{}
	for _, s := range bi.Settings {
		vcs[s.Key] = s.Value
	}
	if rev := vcs["vcs.revision"]; rev != "" && info.Commit == "none" {
		info.Commit = rev
	}
	if ts := vcs["vcs.time"]; ts != "" {
		info.CommitDate = ts
		if info.BuildDate == "" {
			info.BuildDate = ts
		}
	}
	if info.VCSDirty == nil {
		switch vcs["vcs.modified"] {
		case "true":
			info.VCSDirty = ptr(true)
		case "false":
			info.VCSDirty = ptr(false)
		}
	}
	return info
}

func ptr(b bool) *bool { return &b }

// String is the line printed by -V.
func (i *Info) String() string {
	s := i.AppName + " " + i.Version + " (commit=" + i.Commit + ", build_date=" + i.BuildDate + ", go=" + i.GoVersion
	if i.VCSDirty != nil && *i.VCSDirty {
		s += ", dirty"
	}
	return s + ")"
}

// UserAgent identifies the service on outbound calls to the nickname API and
// Telegram.
func UserAgent() string {
	return AppName + "/" + Version
}
