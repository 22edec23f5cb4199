// Package downloads talks to the download service and exposes its torrents,
// usenet downloads and web downloads as uniformly inspectable items.
package downloads

import (
	"strings"
	"time"

	"github.com/darshan-rambhia/sweep/internal/model"
)

// Kind identifies which list an item came from.
type Kind string

const (
	KindTorrent Kind = "torrent"
	KindUsenet  Kind = "usenet"
	KindWeb     Kind = "webdl"
)

// Item is a single download the rule engine can evaluate and act on.
// Attribute returns ok=false when the item's kind has no such attribute; the
// condition then does not match.
type Item interface {
	Kind() Kind
	ID() int64
	Name() string
	Attribute(c model.ConditionType, now time.Time) (value float64, ok bool)
}

const (
	bytesPerKB = 1024
	bytesPerGB = 1024 * 1024 * 1024
)

// common holds the fields every download kind reports.
type common struct {
	ItemID           int64     `json:"id"`
	ItemName         string    `json:"name"`
	Size             int64     `json:"size"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	DownloadState    string    `json:"download_state"`
	Progress         float64   `json:"progress"` // 0..1
	DownloadSpeed    int64     `json:"download_speed"`
	ETA              int64     `json:"eta"` // seconds
	Active           bool      `json:"active"`
	Cached           bool      `json:"cached"`
	DownloadFinished bool      `json:"download_finished"`
	DownloadPresent  bool      `json:"download_present"`
}

func (c *common) ID() int64     { return c.ItemID }
func (c *common) Name() string  { return c.ItemName }
func (c *common) stalled() bool { return strings.Contains(strings.ToLower(c.DownloadState), "stalled") }
func (c *common) seeding() bool {
	s := strings.ToLower(c.DownloadState)
	return c.DownloadFinished && (strings.Contains(s, "upload") || strings.Contains(s, "seed"))
}

func hoursSince(t, now time.Time) (float64, bool) {
	if t.IsZero() {
		return 0, false
	}
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	return d.Hours(), true
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// attribute resolves the attributes shared by every kind.
func (c *common) attribute(ct model.ConditionType, now time.Time) (float64, bool) {
	switch ct {
	case model.ConditionAge:
		return hoursSince(c.CreatedAt, now)
	case model.ConditionStalledTime:
		// The service reports no stall start; the last state change stands in.
		if !c.stalled() {
			return 0, true
		}
		return hoursSince(c.UpdatedAt, now)
	case model.ConditionEta:
		return float64(c.ETA) / 60, true
	case model.ConditionDownloadSpeed:
		return float64(c.DownloadSpeed) / bytesPerKB, true
	case model.ConditionProgress:
		return c.Progress * 100, true
	case model.ConditionFileSize:
		return float64(c.Size) / bytesPerGB, true
	case model.ConditionInactive:
		return boolValue(!c.Active), true
	case model.ConditionCached:
		return boolValue(c.Cached), true
	case model.ConditionFinished:
		return boolValue(c.DownloadFinished), true
	case model.ConditionDownloadPresent:
		return boolValue(c.DownloadPresent), true
	}
	return 0, false
}

// Torrent is a torrent download.
type Torrent struct {
	common
	Magnet          string  `json:"magnet"`
	Seeds           int     `json:"seeds"`
	Peers           int     `json:"peers"`
	Ratio           float64 `json:"ratio"`
	UploadSpeed     int64   `json:"upload_speed"`
	Availability    float64 `json:"availability"`
	TotalUploaded   int64   `json:"total_uploaded"`
	TotalDownloaded int64   `json:"total_downloaded"`
	Private         bool    `json:"private"`
}

func (t *Torrent) Kind() Kind { return KindTorrent }

func (t *Torrent) Attribute(ct model.ConditionType, now time.Time) (float64, bool) {
	switch ct {
	case model.ConditionSeedingTime:
		if !t.seeding() {
			return 0, true
		}
		return hoursSince(t.UpdatedAt, now)
	case model.ConditionSeedingRatio:
		return t.Ratio, true
	case model.ConditionUploadSpeed:
		return float64(t.UploadSpeed) / bytesPerKB, true
	case model.ConditionAvailability:
		return t.Availability, true
	case model.ConditionSeeds:
		return float64(t.Seeds), true
	case model.ConditionPeers:
		return float64(t.Peers), true
	case model.ConditionTotalUploaded:
		return float64(t.TotalUploaded) / bytesPerGB, true
	case model.ConditionTotalDownloaded:
		return float64(t.TotalDownloaded) / bytesPerGB, true
	case model.ConditionPrivate:
		return boolValue(t.Private), true
	case model.ConditionHasMagnet:
		return boolValue(t.Magnet != ""), true
	}
	return t.attribute(ct, now)
}

// UsenetDownload is an NZB download.
type UsenetDownload struct {
	common
}

func (u *UsenetDownload) Kind() Kind { return KindUsenet }

func (u *UsenetDownload) Attribute(ct model.ConditionType, now time.Time) (float64, bool) {
	return u.attribute(ct, now)
}

// WebDownload is a direct web (hoster) download.
type WebDownload struct {
	common
	TotalDownloaded int64 `json:"total_downloaded"`
}

func (w *WebDownload) Kind() Kind { return KindWeb }

func (w *WebDownload) Attribute(ct model.ConditionType, now time.Time) (float64, bool) {
	if ct == model.ConditionTotalDownloaded {
		return float64(w.TotalDownloaded) / bytesPerGB, true
	}
	return w.attribute(ct, now)
}
