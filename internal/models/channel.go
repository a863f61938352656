package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// HeaderMap stores per-channel outbound HTTP headers as a JSON column.
type HeaderMap map[string]string

// Value implements driver.Valuer.
func (h HeaderMap) Value() (driver.Value, error) {
	if len(h) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshaling headers: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (h *HeaderMap) Scan(value any) error {
	if value == nil {
		*h = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("scanning headers: unsupported type %T", value)
	}
	if len(data) == 0 {
		*h = nil
		return nil
	}
	return json.Unmarshal(data, h)
}

// Channel is one playable entry in the catalog. Clients request channels by
// id; the relay resolves the channel's upstream URL into a shared stream.
type Channel struct {
	BaseModel
	SourceID *ULID  `gorm:"type:varchar(26);index" json:"source_id,omitempty"`
	Name     string `gorm:"not null;index" json:"name"`
	// StreamURL is the upstream source. Often carries access tokens.
	StreamURL string `gorm:"not null" json:"stream_url" masq:"secret"`
	// Headers are custom outbound HTTP headers sent verbatim with the
	// upstream request (Referer, tokens, player spoofing).
	Headers       HeaderMap `gorm:"type:text" json:"headers,omitempty" masq:"secret"`
	TvgID         string    `gorm:"index" json:"tvg_id,omitempty"`
	TvgName       string    `json:"tvg_name,omitempty"`
	TvgLogo       string    `json:"tvg_logo,omitempty"`
	GroupTitle    string    `gorm:"index" json:"group_title,omitempty"`
	ChannelNumber int       `json:"channel_number,omitempty"`
	Enabled       bool      `gorm:"default:true" json:"enabled"`
}

// PlaylistSource is an M3U playlist the catalog is ingested from.
type PlaylistSource struct {
	BaseModel
	Name string `gorm:"not null" json:"name"`
	URL  string `gorm:"not null;uniqueIndex" json:"url" masq:"secret"`
	// LastRefreshedAt is when the source was last successfully ingested.
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	ChannelCount    int        `json:"channel_count"`
	Enabled         bool       `gorm:"default:true" json:"enabled"`
}
