package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertProfile inserts or updates a user's presentation data.
func (db *DB) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := db.exec(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_url, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE profiles.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url <> '' THEN excluded.avatar_url ELSE profiles.avatar_url END,
			updated_at = excluded.updated_at`,
		p.UserID, p.DisplayName, p.AvatarURL, toMillis(db.now()))
	if err != nil {
		return fmt.Errorf("upsert profile %q: %w", p.UserID, err)
	}
	return nil
}

// GetProfile returns a profile by user id, or nil when none is stored.
func (db *DB) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := db.queryRow(ctx, `SELECT user_id, display_name, avatar_url FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.AvatarURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %q: %w", userID, err)
	}
	return &p, nil
}
