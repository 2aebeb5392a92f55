// ABOUTME: Stream metadata tag model
// ABOUTME: MPD/MPRIS-style track tags reported through the control endpoint
package metadata

import "encoding/json"

// Metadata carries the tags of the track currently feeding a stream. All
// fields are optional; sources fill what they know. It is a plain data
// transfer object, the transport never interprets it.
type Metadata struct {
	Title       *string  `json:"title,omitempty"`
	Artist      []string `json:"artist,omitempty"`
	Album       *string  `json:"album,omitempty"`
	AlbumArtist []string `json:"album_artist,omitempty"`
	TrackNumber *int     `json:"track_number,omitempty"`
	DiscNumber  *int     `json:"disc_number,omitempty"`
	Date        *string  `json:"date,omitempty"`
	Genre       []string `json:"genre,omitempty"`
	Duration    *float64 `json:"duration,omitempty"`
	ArtURL      *string  `json:"art_url,omitempty"`
	TrackID     *string  `json:"track_id,omitempty"`
	URL         *string  `json:"url,omitempty"`
}

// ToJSON serializes the tags.
func (m *Metadata) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON parses tags, replacing the current contents.
func (m *Metadata) FromJSON(data []byte) error {
	*m = Metadata{}
	return json.Unmarshal(data, m)
}

// Equal reports deep equality of two tag sets.
func (m *Metadata) Equal(other *Metadata) bool {
	a, err := m.ToJSON()
	if err != nil {
		return false
	}
	b, err := other.ToJSON()
	if err != nil {
		return false
	}
	return string(a) == string(b)
}
