// Package store is the session's supplementary history/stats database —
// completed-download ledger and per-tracker last-announce outcomes, for an
// operator inspecting the database directly. It is NOT the primary
// persistence mechanism for a torrent's resumable state (that's
// reactor/state.go's bencoded *.state files). cmd/syncored opens the
// database at startup and closes it on exit; no RPC call reads it, and
// nothing in the session calls the Record* or History methods.
//
// Ported from the teacher's db/database.go and db/models/models.go
// (gorm + gorm.io/driver/sqlite), generalized from its single fixed
// Download/Peer/Piece/Tracker schema to the two tables SPEC_FULL.md's
// history surface actually needs.
package store

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/example/syncore/store/models"
)

type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// migrates its schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	if err := db.AutoMigrate(&models.TorrentHistory{}, &models.TrackerHistory{}); err != nil {
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordAdded upserts a TorrentHistory row for a newly added torrent.
func (s *Store) RecordAdded(infoHash, name string, totalSize int64) error {
	existing := &models.TorrentHistory{}
	if err := s.db.Where("info_hash = ?", infoHash).First(existing).Error; err == nil {
		return nil // already tracked, e.g. re-added after a restart
	}
	rec := &models.TorrentHistory{
		InfoHash: infoHash, Name: name, TotalSize: totalSize,
		Status: "downloading", AddedAt: time.Now().Unix(),
	}
	return s.db.Create(rec).Error
}

// RecordProgress updates the running downloaded/uploaded byte totals.
func (s *Store) RecordProgress(infoHash string, downloaded, uploaded int64) error {
	return s.db.Model(&models.TorrentHistory{}).
		Where("info_hash = ?", infoHash).
		Updates(map[string]interface{}{"downloaded_size": downloaded, "uploaded_size": uploaded}).Error
}

// RecordCompleted marks a torrent complete.
func (s *Store) RecordCompleted(infoHash string) error {
	return s.db.Model(&models.TorrentHistory{}).
		Where("info_hash = ?", infoHash).
		Updates(map[string]interface{}{"status": "complete", "completed_at": time.Now().Unix()}).Error
}

// RecordRemoved marks a torrent removed from the session (its history row
// is kept, not deleted, so the ledger remains an append-only record).
func (s *Store) RecordRemoved(infoHash string) error {
	return s.db.Model(&models.TorrentHistory{}).
		Where("info_hash = ?", infoHash).
		Update("status", "removed").Error
}

// RecordTrackerOutcome upserts the last-announce outcome for one
// (torrent, tracker) pair.
func (s *Store) RecordTrackerOutcome(infoHash, announce string, seeders, leechers int, announceErr error) error {
	rec := &models.TrackerHistory{}
	tx := s.db.Where("info_hash = ? AND announce = ?", infoHash, announce).First(rec)
	if tx.Error != nil {
		rec = &models.TrackerHistory{InfoHash: infoHash, Announce: announce}
	}
	rec.LastCheck = time.Now().Unix()
	rec.LastSeeders = seeders
	rec.LastLeechers = leechers
	if announceErr != nil {
		rec.LastError = announceErr.Error()
	} else {
		rec.LastError = ""
	}
	return s.db.Save(rec).Error
}

// History returns every torrent this session has ever added, most
// recently added first.
func (s *Store) History() ([]models.TorrentHistory, error) {
	var out []models.TorrentHistory
	err := s.db.Order("added_at desc").Find(&out).Error
	return out, err
}
