package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/crawler"
)

// StampStore persists normalized stamps. Each page's stamps are replaced as a
// unit so a re-crawl never leaves a mix of old and new rows.
type StampStore struct {
	pool Pool
}

// NewStampStore constructs a StampStore from an existing pool.
func NewStampStore(pool Pool) (*StampStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &StampStore{pool: pool}, nil
}

// ReplaceForPage deletes the stamps previously stored for pageURL and inserts
// stamps in order, linked to the matched station when there is one.
func (s *StampStore) ReplaceForPage(
	ctx context.Context,
	pageURL string,
	match crawler.MatchResult,
	stamps []crawler.NormalizedStamp,
) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin stamp tx: %w", err)
	}
	if err := replaceStamps(ctx, tx, pageURL, match, stamps); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit stamps: %w", err)
	}
	return nil
}

func replaceStamps(
	ctx context.Context,
	tx pgx.Tx,
	pageURL string,
	match crawler.MatchResult,
	stamps []crawler.NormalizedStamp,
) error {
	if _, err := tx.Exec(ctx, `DELETE FROM stamp WHERE page_url = $1`, pageURL); err != nil {
		return fmt.Errorf("delete stamps for %s: %w", pageURL, err)
	}
	for i, st := range stamps {
		src := st.Source
		_, err := tx.Exec(ctx, `
INSERT INTO stamp (
	page_url, position, station_id, match_type, match_confidence,
	title, description, location_note, size_text, size_cm, shape,
	color, color_en, image_url, status, available_from, available_until, stamped_date
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
)`,
			pageURL,
			i,
			match.StationID,
			string(match.MatchType),
			match.Confidence,
			src.Title,
			src.Description,
			src.LocationNote,
			src.Size,
			st.SizeCm,
			string(st.Shape),
			src.Color,
			st.ColorEn,
			src.ImageURL,
			string(src.Status),
			src.AvailableFrom,
			src.AvailableUntil,
			src.StampedDate,
		)
		if err != nil {
			return fmt.Errorf("insert stamp %d for %s: %w", i, pageURL, err)
		}
	}
	return nil
}
