// Package models defines the gorm tables backing store's supplementary
// history/stats database. Unlike the teacher's db/models (its primary
// persistence layer), these tables exist only for historical reporting —
// a torrent's live resumable state is the *.state file reactor/state.go
// maintains, not a database row.
package models

import "gorm.io/gorm"

// TorrentHistory is one row per torrent ever added to the session,
// updated as it progresses and on completion/removal.
type TorrentHistory struct {
	gorm.Model
	InfoHash       string `gorm:"uniqueIndex"`
	Name           string
	TotalSize      int64
	DownloadedSize int64
	UploadedSize   int64
	Status         string
	AddedAt        int64
	CompletedAt    int64
}

// TrackerHistory records the most recent announce outcome per (torrent,
// announce URL) pair, for operator troubleshooting.
type TrackerHistory struct {
	ID           uint `gorm:"primaryKey"`
	InfoHash     string
	Announce     string
	LastCheck    int64
	LastError    string
	LastSeeders  int
	LastLeechers int
}
