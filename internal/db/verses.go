package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// VerseRepository reads scripture content for the daily/random verse
// providers.
type VerseRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewVerseRepository creates a new verse repository.
func NewVerseRepository(db *DB, logger *zap.Logger) *VerseRepository {
	return &VerseRepository{
		db:     db,
		logger: logger,
	}
}

// RandomVerse returns one uniformly random verse, or nil if the scripture
// table is empty.
func (r *VerseRepository) RandomVerse(ctx context.Context) (*Verse, error) {
	query := `
		SELECT verse_id, chapter_number, verse_number, chapter_title, text_english
		FROM quran_verses
		ORDER BY random()
		LIMIT 1
	`

	var v Verse
	err := r.db.Pool().QueryRow(ctx, query).Scan(
		&v.VerseID,
		&v.ChapterNumber,
		&v.VerseNumber,
		&v.ChapterTitle,
		&v.TextEnglish,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		r.logger.Warn("no verses available")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query random verse: %w", err)
	}

	return &v, nil
}
