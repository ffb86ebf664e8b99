package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransformAll(t *testing.T) {
	out, err := Transform("all")
	require.NoError(t, err)
	require.Equal(t, "subscribed:true", out)
}

func TestTransformNone(t *testing.T) {
	_, err := Transform("none")
	require.ErrorIs(t, err, ErrEmptyAudience)
}

func TestTransformRetiredKeywords(t *testing.T) {
	for _, expr := range []string{"paid", "free"} {
		_, err := Transform(expr)
		require.ErrorIs(t, err, ErrUnexpectedValue, "filter %q", expr)
	}
}

func TestTransformCustomExpression(t *testing.T) {
	out, err := Transform("label:x")
	require.NoError(t, err)
	require.Equal(t, "subscribed:true+(label:x)", out)
}

func TestParseConjunction(t *testing.T) {
	terms, err := Parse("subscribed:true+(label:x)")
	require.NoError(t, err)
	require.Equal(t, []Term{
		{Key: "subscribed", Value: "true"},
		{Key: "label", Value: "x"},
	}, terms)
}

func TestParseNegation(t *testing.T) {
	terms, err := Parse("status:-free")
	require.NoError(t, err)
	require.Equal(t, []Term{{Key: "status", Value: "free", Negated: true}}, terms)
}

func TestParseMalformed(t *testing.T) {
	for _, expr := range []string{"", "status", "status:", ":free", "a:b++c:d"} {
		_, err := Parse(expr)
		require.Error(t, err, "filter %q", expr)
	}
}
