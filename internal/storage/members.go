package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const memberColumns = `id, user_id, name, description, character_type, reason, properties_json,
	image_url, image_description, voice_description, voice_id, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (CouncilMember, error) {
	var m CouncilMember
	var props, createdAt, updatedAt string
	var active int
	err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.Description, &m.CharacterType, &m.Reason, &props,
		&m.ImageURL, &m.ImageDescription, &m.VoiceDescription, &m.VoiceID, &active, &createdAt, &updatedAt)
	if err != nil {
		return CouncilMember{}, err
	}
	if props != "" {
		if err := json.Unmarshal([]byte(props), &m.Properties); err != nil {
			return CouncilMember{}, fmt.Errorf("decoding properties of member %s: %w", m.ID, err)
		}
	}
	m.IsActive = active == 1
	if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return CouncilMember{}, err
	}
	if m.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return CouncilMember{}, err
	}
	return m, nil
}

func collectMembers(rows *sql.Rows) ([]CouncilMember, error) {
	defer rows.Close()
	var members []CouncilMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// InsertCouncilMembers inserts all members for userID in one transaction.
// Either every row is written or none is. IDs and timestamps are filled in
// on the passed slice.
func (s *Store) InsertCouncilMembers(userID string, members []CouncilMember) error {
	if userID == "" {
		return fmt.Errorf("inserting council members: empty user id")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO council_members (` + memberColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing member insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Truncate(time.Second)
	for i := range members {
		m := &members[i]
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		m.UserID = userID
		m.CreatedAt, m.UpdatedAt = now, now
		props, err := json.Marshal(m.Properties)
		if err != nil {
			return fmt.Errorf("encoding properties of %q: %w", m.Name, err)
		}
		if _, err := stmt.Exec(m.ID, userID, m.Name, m.Description, m.CharacterType, m.Reason, string(props),
			m.ImageURL, m.ImageDescription, m.VoiceDescription, m.VoiceID, boolToInt(m.IsActive),
			formatTime(now), formatTime(now)); err != nil {
			return fmt.Errorf("inserting member %q: %w", m.Name, err)
		}
	}
	return tx.Commit()
}

// GetCouncilMember returns the member with id owned by userID.
func (s *Store) GetCouncilMember(userID, id string) (CouncilMember, error) {
	m, err := scanMember(s.db.QueryRow(`SELECT `+memberColumns+` FROM council_members WHERE id = ? AND user_id = ?`, id, userID))
	if err == sql.ErrNoRows {
		return CouncilMember{}, ErrNotFound
	}
	return m, err
}

// ListCouncilMembers returns the user's members, oldest first.
func (s *Store) ListCouncilMembers(userID string, activeOnly bool) ([]CouncilMember, error) {
	q := `SELECT ` + memberColumns + ` FROM council_members WHERE user_id = ?`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	rows, err := s.db.Query(q+` ORDER BY created_at ASC, rowid ASC`, userID)
	if err != nil {
		return nil, err
	}
	return collectMembers(rows)
}

// ListMembersNeedingEnrichment returns the user's active members with at least
// one empty media field.
func (s *Store) ListMembersNeedingEnrichment(userID string) ([]CouncilMember, error) {
	rows, err := s.db.Query(`SELECT `+memberColumns+` FROM council_members
		WHERE user_id = ? AND is_active = 1
		AND (image_description = '' OR voice_description = '' OR image_url = '' OR voice_id = '')
		ORDER BY created_at ASC, rowid ASC`, userID)
	if err != nil {
		return nil, err
	}
	return collectMembers(rows)
}

// ListMembersWithoutVoice returns members across all users that have no voice
// identity yet.
func (s *Store) ListMembersWithoutVoice() ([]CouncilMember, error) {
	rows, err := s.db.Query(`SELECT ` + memberColumns + ` FROM council_members
		WHERE voice_id = '' ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	return collectMembers(rows)
}

// ListActiveVoices returns the user's active members that have a voice.
func (s *Store) ListActiveVoices(userID string) ([]ActiveVoice, error) {
	rows, err := s.db.Query(`SELECT id, name, voice_id FROM council_members
		WHERE user_id = ? AND is_active = 1 AND voice_id != ''
		ORDER BY created_at ASC, rowid ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var voices []ActiveVoice
	for rows.Next() {
		var v ActiveVoice
		if err := rows.Scan(&v.ID, &v.Name, &v.VoiceID); err != nil {
			return nil, err
		}
		voices = append(voices, v)
	}
	return voices, rows.Err()
}

// ActivateCouncilMembers marks the given members active. Every id must belong
// to userID. Rows outside ids are left untouched; if that would leave more than
// MaxActiveMembers active the transaction is rolled back with ErrActiveLimit.
func (s *Store) ActivateCouncilMembers(userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning activate transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, formatTime(time.Now()), userID)
	for _, id := range ids {
		args = append(args, id)
	}

	var owned int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM council_members WHERE user_id = ? AND id IN (`+placeholders+`)`,
		args[1:]...).Scan(&owned); err != nil {
		return fmt.Errorf("checking member ownership: %w", err)
	}
	if owned != len(ids) {
		return ErrNotFound
	}

	if _, err := tx.Exec(`UPDATE council_members SET is_active = 1, updated_at = ?
		WHERE user_id = ? AND is_active = 0 AND id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("activating members: %w", err)
	}

	var active int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM council_members WHERE user_id = ? AND is_active = 1`, userID).Scan(&active); err != nil {
		return fmt.Errorf("counting active members: %w", err)
	}
	if active > MaxActiveMembers {
		return ErrActiveLimit
	}
	return tx.Commit()
}

// DeactivateCouncil clears the active flag on all of the user's members and
// returns how many rows changed.
func (s *Store) DeactivateCouncil(userID string) (int, error) {
	res, err := s.db.Exec(`UPDATE council_members SET is_active = 0, updated_at = ? WHERE user_id = ? AND is_active = 1`,
		formatTime(time.Now()), userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SetMemberDescriptions fills whichever of the two descriptions is still empty.
func (s *Store) SetMemberDescriptions(userID, id, imageDesc, voiceDesc string) error {
	res, err := s.db.Exec(`UPDATE council_members SET
		image_description = CASE WHEN image_description = '' THEN ? ELSE image_description END,
		voice_description = CASE WHEN voice_description = '' THEN ? ELSE voice_description END,
		updated_at = ?
		WHERE id = ? AND user_id = ?`,
		imageDesc, voiceDesc, formatTime(time.Now()), id, userID)
	if err != nil {
		return err
	}
	return expectRows(res)
}

// SetMemberImageURL stores the portrait URL if none is set yet.
func (s *Store) SetMemberImageURL(userID, id, url string) error {
	if url == "" {
		return fmt.Errorf("setting image url: empty url")
	}
	res, err := s.db.Exec(`UPDATE council_members SET image_url = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND image_url = ''`,
		url, formatTime(time.Now()), id, userID)
	if err != nil {
		return err
	}
	return s.monotonicResult(res, userID, id)
}

// SetMemberVoiceID stores the durable voice identity. It is written at most once
// and only after a voice description exists.
func (s *Store) SetMemberVoiceID(userID, id, voiceID string) error {
	if voiceID == "" {
		return fmt.Errorf("setting voice id: empty voice id")
	}
	res, err := s.db.Exec(`UPDATE council_members SET voice_id = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND voice_id = '' AND voice_description != ''`,
		voiceID, formatTime(time.Now()), id, userID)
	if err != nil {
		return err
	}
	return s.monotonicResult(res, userID, id)
}

// monotonicResult distinguishes a missing row from a guarded no-op update.
func (s *Store) monotonicResult(res sql.Result, userID, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetCouncilMember(userID, id); err != nil {
		return err
	}
	return ErrAlreadySet
}

// ClaimMemberForEnrichment takes a lease on one of userID's member rows. It
// returns false when another pass holds an unexpired lease or the row belongs
// to someone else.
func (s *Store) ClaimMemberForEnrichment(userID, id string, lease time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.Exec(`UPDATE council_members SET enrichment_claimed_until = ?
		WHERE id = ? AND user_id = ? AND (enrichment_claimed_until = '' OR enrichment_claimed_until <= ?)`,
		formatTime(now.Add(lease)), id, userID, formatTime(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseMemberClaim drops the enrichment lease on one of userID's rows.
func (s *Store) ReleaseMemberClaim(userID, id string) error {
	_, err := s.db.Exec(`UPDATE council_members SET enrichment_claimed_until = '' WHERE id = ? AND user_id = ?`, id, userID)
	return err
}
