package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEnums(t *testing.T) {
	require.Equal(t, ActivityRun, ParseActivityType(" Run "))
	require.Equal(t, ActivityOther, ParseActivityType("yoga"))
	require.Equal(t, ActivityOther, ParseActivityType(""))
	require.True(t, ActivityNutrition.Valid())
	require.False(t, ActivityType("swim").Valid())

	require.Equal(t, VisibilityFollowers, ParseVisibility("FOLLOWERS"))
	require.Equal(t, VisibilityPublic, ParseVisibility("friends"))
}

func TestShareInputValidateDefaults(t *testing.T) {
	in := ShareInput{Source: ShareSource{Domain: ShareStrength, SourceID: "w-1"}}
	require.NoError(t, in.Validate())
	require.Equal(t, "workout", in.Source.SourceType)
	require.Equal(t, ActivityStrength, in.ActivityType)
	require.Equal(t, VisibilityPublic, in.Visibility)
	require.Equal(t, "share_strength_session_user", in.Source.Domain.RPCName())
}

func TestShareInputValidateRejects(t *testing.T) {
	in := ShareInput{Source: ShareSource{Domain: "swim"}}
	require.ErrorIs(t, in.Validate(), ErrInvalidShare)

	in = ShareInput{Source: ShareSource{Domain: ShareOutdoor}, Visibility: "friends"}
	require.ErrorIs(t, in.Validate(), ErrInvalidShare)

	in = ShareInput{Source: ShareSource{Domain: ShareOutdoor}, MediaURLs: make([]string, 11)}
	require.ErrorIs(t, in.Validate(), ErrInvalidShare)
}
