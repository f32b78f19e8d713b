package models

import "time"

// TherapySession is one recorded session as stored. Every *Encrypted field
// holds FieldCipher output; the audio file itself is FileCipher ciphertext
// at the decrypted FilePath.
type TherapySession struct {
	ID                         int64
	SessionID                  string
	UserID                     int64
	ClientNameEncrypted        string
	TherapyType                *string
	SummaryFormat              *string
	FilePathEncrypted          *string
	FileNameEncrypted          *string
	FileSize                   *int64
	FileSHA256                 *string
	ObjectKey                  *string
	TranscriptEncrypted        *string
	ClinicalNotesEncrypted     *string
	SentimentAnalysisEncrypted *string
	PatternsEncrypted          *string
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
	RetentionUntil             *time.Time
}

// AnalysisFields are the encrypted outputs of transcription and analysis.
type AnalysisFields struct {
	TranscriptEncrypted        *string
	ClinicalNotesEncrypted     *string
	SentimentAnalysisEncrypted *string
	PatternsEncrypted          *string
}

// ExpiredRecord is a retention sweep candidate.
type ExpiredRecord struct {
	SessionID      string
	UserID         int64
	RetentionUntil time.Time
}

// RetentionStats summarizes retention state across all sessions.
type RetentionStats struct {
	TotalSessions   int64
	WithRetention   int64
	Expired         int64
	ExpiringSoon    int64
	RetentionPeriod time.Duration
}

// RetentionYears is the period expressed in 365-day years.
func (s RetentionStats) RetentionYears() float64 {
	return s.RetentionPeriod.Hours() / (24 * 365)
}
