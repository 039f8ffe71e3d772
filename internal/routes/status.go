// Package routes holds the read-only HTTP handlers of the status API.
package routes

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/bili2mp4/bili2mp4/internal/state"
	"github.com/bili2mp4/bili2mp4/internal/util"
)

// LimitsSource exposes the persisted settings.
type LimitsSource interface {
	Limits() state.Limits
}

// WorkSource exposes the number of group workflows still running.
type WorkSource interface {
	InFlight() int
}

type Status struct {
	Version      string
	Settings     LimitsSource
	Work         WorkSource
	Dependencies util.DependencyReport
	DownloadDir  string
	Token        string
}

func (s *Status) Routes(r chi.Router) {
	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
}

func (s *Status) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.Version,
	})
}

type limitsView struct {
	MaxHeight     string `json:"maxHeight"`
	MaxFileSizeMB string `json:"maxFileSizeMB"`
	CookieSet     bool   `json:"cookieSet"`
	EnabledGroups int    `json:"enabledGroups"`
}

type dependencyView struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

type diskView struct {
	Free  string `json:"free"`
	Total string `json:"total"`
	Low   bool   `json:"low"`
}

func (s *Status) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !checkBearer(r, s.Token) {
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	limits := s.Settings.Limits()
	resp := map[string]interface{}{
		"version": s.Version,
		"limits": limitsView{
			MaxHeight:     unlimitedOr(limits.MaxHeight, "p"),
			MaxFileSizeMB: unlimitedOr(limits.MaxFileSizeMB, "MB"),
			CookieSet:     limits.Cookie != "",
			EnabledGroups: limits.GroupCount,
		},
		"inFlight": s.Work.InFlight(),
		"dependencies": map[string]dependencyView{
			"yt-dlp":  viewDependency(s.Dependencies.YtDlp),
			"ffmpeg":  viewDependency(s.Dependencies.FFmpeg),
			"ffprobe": viewDependency(s.Dependencies.FFprobe),
		},
	}

	if space, err := util.GetDiskSpace(s.DownloadDir); err == nil {
		resp["disk"] = diskView{
			Free:  humanize.IBytes(space.AvailBytes),
			Total: humanize.IBytes(space.TotalBytes),
			Low:   space.AvailBytes < util.DiskSpaceMinBytes,
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

func viewDependency(d util.Dependency) dependencyView {
	return dependencyView{Available: d.Available(), Version: d.Version, Error: d.Error}
}

func unlimitedOr(n int, unit string) string {
	if n <= 0 {
		return "unlimited"
	}
	return humanize.Comma(int64(n)) + unit
}
