package nostr

import (
	"encoding/json"

	"nostr-engine/internal/types"
)

// ParseProfile reads the JSON content of a kind 0 event. Unknown or mistyped
// fields are ignored; content that is not a JSON object yields nil.
func ParseProfile(evt types.Event) *types.ProfileInfo {
	if evt.Kind != types.KindSetMetadata {
		return nil
	}

	var profileData map[string]interface{}
	if err := json.Unmarshal([]byte(evt.Content), &profileData); err != nil {
		return nil
	}

	str := func(key string) string {
		s, _ := profileData[key].(string)
		return s
	}

	profile := &types.ProfileInfo{
		Name:        str("name"),
		DisplayName: str("display_name"),
		Picture:     str("picture"),
		Nip05:       str("nip05"),
		About:       str("about"),
		Banner:      str("banner"),
		Lud16:       str("lud16"),
		Website:     str("website"),
		CreatedAt:   evt.CreatedAt,
	}
	if profile.DisplayName == "" {
		// older clients wrote camelCase
		profile.DisplayName = str("displayName")
	}
	return profile
}
