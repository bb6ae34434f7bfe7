package store

import (
	"database/sql"

	"github.com/pavelanni/bandexam/internal/model"
)

// SetMetadata upserts a key-value pair for an exam.
func (s *Store) SetMetadata(examID, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO exam_metadata (exam_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(exam_id, key) DO UPDATE SET value = ?`,
		examID, key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(examID, key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM exam_metadata WHERE exam_id = ? AND key = ?`, examID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetExamInfo stores the non-empty ExamInfo fields as metadata rows.
func (s *Store) SetExamInfo(info model.ExamInfo) error {
	pairs := []struct{ k, v string }{
		{"candidate_id", info.CandidateID},
		{"session_id", info.SessionID},
		{"test_date", info.TestDate},
	}
	for _, p := range pairs {
		if p.v == "" {
			continue
		}
		if err := s.SetMetadata(info.ExamID, p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// GetExamInfo reads all ExamInfo fields from metadata.
func (s *Store) GetExamInfo(examID string) (model.ExamInfo, error) {
	info := model.ExamInfo{ExamID: examID}
	var err error

	if info.CandidateID, err = s.GetMetadata(examID, "candidate_id"); err != nil {
		return info, err
	}
	if info.SessionID, err = s.GetMetadata(examID, "session_id"); err != nil {
		return info, err
	}
	if info.TestDate, err = s.GetMetadata(examID, "test_date"); err != nil {
		return info, err
	}
	return info, nil
}
