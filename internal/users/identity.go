package users

import (
	"strings"
)

// Identity maps a provider login onto the canonical voter id recorded on votes.
type Identity struct {
	Provider         string `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject          string `gorm:"column:subject;primaryKey;size:190;not null"`
	VoterID          string `gorm:"column:voter_id;size:190;not null;index"`
	DisplayName      string `gorm:"column:display_name;size:320"`
	FirstSeenAtMicro int64  `gorm:"column:first_seen_at_us;not null"`
	LastSeenAtMicro  int64  `gorm:"column:last_seen_at_us;not null"`
}

// TableName exposes the table backing voter identities.
func (Identity) TableName() string {
	return "voter_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
