package domain

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ShareDomain selects the backend share function family.
type ShareDomain string

const (
	ShareOutdoor  ShareDomain = "outdoor"
	ShareIndoor   ShareDomain = "indoor"
	ShareStrength ShareDomain = "strength"
)

// DefaultSourceType returns the source type recorded on posts shared from d.
func (d ShareDomain) DefaultSourceType() string {
	switch d {
	case ShareStrength:
		return "workout"
	case ShareIndoor:
		return "indoor_session"
	default:
		return "outdoor_session"
	}
}

// RPCName returns the share function for the domain.
func (d ShareDomain) RPCName() string {
	return fmt.Sprintf("share_%s_session_user", d)
}

// ShareSource references the session or workout being shared.
type ShareSource struct {
	Domain     ShareDomain `json:"domain" validate:"required,oneof=outdoor indoor strength"`
	SourceType string      `json:"source_type" validate:"omitempty,max=64"`
	SourceID   string      `json:"source_id" validate:"omitempty,max=256"`
	SessionID  string      `json:"session_id" validate:"omitempty,max=256"`
}

// ShareInput is everything needed to turn a completed activity into a post.
type ShareInput struct {
	Source       ShareSource    `json:"source" validate:"required"`
	ActivityType ActivityType   `json:"activity_type" validate:"omitempty,oneof=run walk ride strength nutrition other"`
	Title        string         `json:"title" validate:"max=200"`
	Subtitle     *string        `json:"subtitle" validate:"omitempty,max=200"`
	Caption      *string        `json:"caption" validate:"omitempty,max=2000"`
	Visibility   Visibility     `json:"visibility" validate:"omitempty,oneof=public followers private"`
	Metrics      map[string]any `json:"metrics"`
	MediaURLs    []string       `json:"media_urls" validate:"max=10,dive,max=2048"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and fills defaults.
func (in *ShareInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrInvalidShare, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidShare, err)
	}
	if in.Source.SourceType == "" {
		in.Source.SourceType = in.Source.Domain.DefaultSourceType()
	}
	if in.ActivityType == "" {
		in.ActivityType = defaultActivityType(in.Source.Domain)
	}
	if in.Visibility == "" {
		in.Visibility = VisibilityPublic
	}
	return nil
}

func defaultActivityType(d ShareDomain) ActivityType {
	switch d {
	case ShareStrength:
		return ActivityStrength
	case ShareOutdoor:
		return ActivityRun
	default:
		return ActivityOther
	}
}
