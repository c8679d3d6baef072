package syndicate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/cararth/syndicate/internal/ingest"
	"github.com/cararth/syndicate/internal/normalize"
	"github.com/cararth/syndicate/internal/store"
)

const (
	// MaxSyncFrequencyHours caps the scheduler interval at one week.
	MaxSyncFrequencyHours = 168
)

var validate = validator.New()

// sourceInput mirrors the validated fields of a PartnerSource.
type sourceInput struct {
	PartnerName   string `validate:"required,max=256"`
	FeedType      string `validate:"required"`
	SourceURL     string `validate:"omitempty,max=4096"`
	FieldMapping  string `validate:"required,max=16384,json"`
	ConfigJSON    string `validate:"omitempty,max=8192,json"`
	SyncFrequency int64  `validate:"min=1,max=168"`
}

// validateSourceInput validates a source's mutable fields before insert
// or update. Structural checks run through the shared validator instance;
// feed-specific checks follow.
func validateSourceInput(src *store.PartnerSource) error {
	in := sourceInput{
		PartnerName:   src.PartnerName,
		FeedType:      src.FeedType,
		SourceURL:     src.SourceURL,
		FieldMapping:  src.FieldMapping,
		ConfigJSON:    src.ConfigJSON,
		SyncFrequency: src.SyncFrequency,
	}
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s fails %q", ErrInvalidInput, fieldName(fe.Field()), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if !ingest.FeedTypes[src.FeedType] {
		return fmt.Errorf("%w: unknown feed_type %q", ErrInvalidInput, src.FeedType)
	}

	// The mapping must parse; a broken mapping would reject every record.
	if _, err := normalize.ParseMapping(src.FieldMapping); err != nil {
		return fmt.Errorf("%w: field_mapping: %v", ErrInvalidInput, err)
	}

	switch src.FeedType {
	case ingest.FeedScrape:
		if src.SourceURL == "" {
			return fmt.Errorf("%w: source_url is required for scrape sources", ErrInvalidInput)
		}
	case ingest.FeedSFTP:
		var cfg ingest.SFTPConfig
		if err := json.Unmarshal([]byte(src.ConfigJSON), &cfg); err != nil {
			return fmt.Errorf("%w: config_json: %v", ErrInvalidInput, err)
		}
		if cfg.Host == "" || cfg.User == "" || cfg.Dir == "" {
			return fmt.Errorf("%w: sftp sources need host, user and dir in config_json", ErrInvalidInput)
		}
	}

	return nil
}

// fieldName maps the validated struct field back to its API name.
func fieldName(field string) string {
	switch field {
	case "PartnerName":
		return "partner_name"
	case "FeedType":
		return "feed_type"
	case "SourceURL":
		return "source_url"
	case "FieldMapping":
		return "field_mapping"
	case "ConfigJSON":
		return "config_json"
	case "SyncFrequency":
		return "sync_frequency_hours"
	}
	return field
}
