package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/greenroomhq/greenroom/internal/core"
)

var ErrRoomNotFound = errors.New("room not found")

const roomColumns = `id, candidate_name, workload_kind, status, access_url, credential_ref,
	save_artifacts, archive_location, expires_at, created_at, updated_at`

func (s *Store) InsertRoom(ctx context.Context, room *core.Room) error {
	now := time.Now().UTC()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	room.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO rooms (`+roomColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, room.ID, room.CandidateName, room.WorkloadKind, room.Status, room.AccessURL, room.CredentialRef,
		boolToInt(room.SaveArtifacts), room.ArchiveLocation, nullableTime(room.ExpiresAt),
		room.CreatedAt.Format(time.RFC3339Nano), room.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id string) (*core.Room, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+roomColumns+` FROM rooms WHERE id = ?
	`, id)
	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	return room, nil
}

// UpdateRoom applies mutate to the stored record inside a transaction and
// persists the mutable fields (status, access URL, credential ref, archive
// location, expiry).
func (s *Store) UpdateRoom(ctx context.Context, id string, mutate func(*core.Room) error) (*core.Room, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin room update: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+roomColumns+` FROM rooms WHERE id = ?
	`, id)
	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	if err := mutate(room); err != nil {
		return nil, err
	}
	room.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE rooms
		SET status = ?, access_url = ?, credential_ref = ?, archive_location = ?,
			expires_at = ?, updated_at = ?
		WHERE id = ?
	`, room.Status, room.AccessURL, room.CredentialRef, room.ArchiveLocation,
		nullableTime(room.ExpiresAt), room.UpdatedAt.Format(time.RFC3339Nano), id); err != nil {
		return nil, fmt.Errorf("update room: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit room update: %w", err)
	}
	return room, nil
}

func (s *Store) ListRooms(ctx context.Context) ([]*core.Room, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+roomColumns+` FROM rooms ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()
	var rooms []*core.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}

// ListExpiredActiveRooms returns active rooms whose expiry is at or before
// cutoff. The comparison runs in Go, matching ListExpiredCreateOperations.
func (s *Store) ListExpiredActiveRooms(ctx context.Context, cutoff time.Time) ([]*core.Room, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+roomColumns+` FROM rooms
		WHERE status = ? AND expires_at IS NOT NULL
	`, core.RoomActive)
	if err != nil {
		return nil, fmt.Errorf("list expired rooms: %w", err)
	}
	defer rows.Close()
	var rooms []*core.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		if room.ExpiresAt != nil && !room.ExpiresAt.After(cutoff) {
			rooms = append(rooms, room)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rooms, nil
}

func scanRoom(scanner interface {
	Scan(dest ...any) error
}) (*core.Room, error) {
	var (
		id            string
		candidateName string
		workloadKind  string
		status        string
		accessURL     string
		credentialRef string
		saveArtifacts int
		archive       string
		expiresAt     sql.NullString
		createdAt     string
		updatedAt     string
	)
	if err := scanner.Scan(&id, &candidateName, &workloadKind, &status, &accessURL, &credentialRef,
		&saveArtifacts, &archive, &expiresAt, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan room: %w", err)
	}
	room := &core.Room{
		ID:              id,
		CandidateName:   candidateName,
		WorkloadKind:    workloadKind,
		Status:          core.RoomStatus(status),
		AccessURL:       accessURL,
		CredentialRef:   credentialRef,
		SaveArtifacts:   saveArtifacts != 0,
		ArchiveLocation: archive,
		CreatedAt:       mustParseTime(createdAt),
		UpdatedAt:       mustParseTime(updatedAt),
	}
	if expiresAt.Valid {
		t := mustParseTime(expiresAt.String)
		room.ExpiresAt = &t
	}
	return room, nil
}
