// ABOUTME: Tests for the metadata tag model
// ABOUTME: JSON round trips, replacement semantics, deep equality
package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func fPtr(f float64) *float64 { return &f }

func TestRoundTrip(t *testing.T) {
	m := Metadata{
		Title:       strPtr("So What"),
		Artist:      []string{"Miles Davis"},
		Album:       strPtr("Kind of Blue"),
		TrackNumber: intPtr(1),
		Duration:    fPtr(545.0),
	}

	data, err := m.ToJSON()
	require.NoError(t, err)

	var got Metadata
	require.NoError(t, got.FromJSON(data))
	assert.True(t, m.Equal(&got))
	assert.Equal(t, "So What", *got.Title)
	assert.Equal(t, []string{"Miles Davis"}, got.Artist)
}

func TestFromJSONReplaces(t *testing.T) {
	m := Metadata{Title: strPtr("old"), Genre: []string{"jazz"}}
	require.NoError(t, m.FromJSON([]byte(`{"title":"new"}`)))

	assert.Equal(t, "new", *m.Title)
	assert.Nil(t, m.Genre, "fields absent from the input are cleared")
}

func TestEmptyFieldsOmitted(t *testing.T) {
	var m Metadata
	data, err := m.ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestEqual(t *testing.T) {
	a := Metadata{Title: strPtr("x"), Artist: []string{"a", "b"}}
	b := Metadata{Title: strPtr("x"), Artist: []string{"a", "b"}}
	c := Metadata{Title: strPtr("y")}

	assert.True(t, a.Equal(&b))
	assert.False(t, a.Equal(&c))
}
