package catalog

import (
	"database/sql"
	"strings"

	"github.com/xiaot623/flowrun/internal/domain"
)

// Auth levels stored in the catalog table.
const (
	AuthLevelNative  = "native"
	AuthLevelAPIKey  = "api_key"
	AuthLevelCatalog = "catalog"
)

// Row is the flat storage form of an Entry.
type Row struct {
	ID               string
	Name             string
	Category         string
	AuthMethod       string
	AuthLevel        string
	DisplayName      string
	DocsURL          string
	HTTPSEndpoint    bool
	RateLimited      bool
	EncryptedTransit bool
	Keywords         string
	SuccessRate      sql.NullFloat64
	AvgLatencyMs     sql.NullFloat64
	UsageCount       sql.NullInt64
	LastUpdated      sql.NullTime
}

// FromRow converts a storage row into an Entry.
func FromRow(r Row) Entry {
	e := Entry{
		ID:               r.ID,
		Name:             r.Name,
		Category:         r.Category,
		AuthMethod:       domain.AuthMethod(r.AuthMethod),
		Native:           r.AuthLevel == AuthLevelNative,
		APIKey:           r.AuthLevel == AuthLevelAPIKey,
		DisplayName:      r.DisplayName,
		DocsURL:          r.DocsURL,
		HTTPSEndpoint:    r.HTTPSEndpoint,
		RateLimited:      r.RateLimited,
		EncryptedTransit: r.EncryptedTransit,
	}
	if r.Keywords != "" {
		e.Keywords = strings.Split(r.Keywords, ",")
	}
	if r.SuccessRate.Valid {
		v := r.SuccessRate.Float64
		e.SuccessRate = &v
	}
	if r.AvgLatencyMs.Valid {
		v := r.AvgLatencyMs.Float64
		e.AvgLatencyMs = &v
	}
	if r.UsageCount.Valid {
		v := r.UsageCount.Int64
		e.UsageCount = &v
	}
	if r.LastUpdated.Valid {
		t := r.LastUpdated.Time
		e.LastUpdated = &t
	}
	return e
}

// ToRow converts an Entry into its storage row. Native takes precedence over APIKey.
func ToRow(e Entry) Row {
	r := Row{
		ID:               e.ID,
		Name:             e.Name,
		Category:         e.Category,
		AuthMethod:       string(e.AuthMethod),
		AuthLevel:        AuthLevelCatalog,
		DisplayName:      e.DisplayName,
		DocsURL:          e.DocsURL,
		HTTPSEndpoint:    e.HTTPSEndpoint,
		RateLimited:      e.RateLimited,
		EncryptedTransit: e.EncryptedTransit,
		Keywords:         strings.Join(e.Keywords, ","),
	}
	switch {
	case e.Native:
		r.AuthLevel = AuthLevelNative
	case e.APIKey:
		r.AuthLevel = AuthLevelAPIKey
	}
	if e.SuccessRate != nil {
		r.SuccessRate = sql.NullFloat64{Float64: *e.SuccessRate, Valid: true}
	}
	if e.AvgLatencyMs != nil {
		r.AvgLatencyMs = sql.NullFloat64{Float64: *e.AvgLatencyMs, Valid: true}
	}
	if e.UsageCount != nil {
		r.UsageCount = sql.NullInt64{Int64: *e.UsageCount, Valid: true}
	}
	if e.LastUpdated != nil {
		r.LastUpdated = sql.NullTime{Time: *e.LastUpdated, Valid: true}
	}
	return r
}
