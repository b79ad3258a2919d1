package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ConflictStrategy decides what happens when an incoming record collides
// with an existing unique key in the target.
type ConflictStrategy string

const (
	ConflictSkip      ConflictStrategy = "skip"
	ConflictOverwrite ConflictStrategy = "overwrite"
	ConflictRename    ConflictStrategy = "rename"
)

// ParseConflictStrategy validates a strategy string.
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	switch c := ConflictStrategy(s); c {
	case ConflictSkip, ConflictOverwrite, ConflictRename:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown conflict strategy %q", ErrInvalidOptions, s)
}

// ImportOptions is the resolved job configuration. Frozen once IMPORTING starts.
type ImportOptions struct {
	ImportMedia      bool             `json:"import_media"`
	DownloadMedia    bool             `json:"download_media"`
	ConvertImages    bool             `json:"convert_images"`
	ImageQuality     int              `json:"image_quality"`
	IncludeDrafts    bool             `json:"include_drafts"`
	ImportComments   bool             `json:"import_comments"`
	ImportMenus      bool             `json:"import_menus"`
	ConflictStrategy ConflictStrategy `json:"conflict_strategy"`
}

// DefaultImportOptions returns the options used when a caller sends none.
func DefaultImportOptions() ImportOptions {
	return ImportOptions{
		ImportMedia:      true,
		DownloadMedia:    true,
		ConvertImages:    true,
		ImageQuality:     85,
		IncludeDrafts:    false,
		ImportComments:   true,
		ImportMenus:      true,
		ConflictStrategy: ConflictSkip,
	}
}

// Validate checks ranges and enumerations.
func (o ImportOptions) Validate() error {
	if o.ImageQuality < 1 || o.ImageQuality > 100 {
		return fmt.Errorf("%w: image_quality must be within 1..100, got %d", ErrInvalidOptions, o.ImageQuality)
	}
	if _, err := ParseConflictStrategy(string(o.ConflictStrategy)); err != nil {
		return err
	}
	return nil
}

// Hash returns a stable digest of the options, used to detect stale approval.
func (o ImportOptions) Hash() string {
	// Struct field order is fixed, so the encoding is canonical.
	b, _ := json.Marshal(o)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
