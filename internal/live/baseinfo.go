package live

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"
)

// Defaults applied when the client omits fields from its connection params.
const (
	defaultLocation = "Beijing"
	defaultVoice    = "Aoede"
	defaultUserID   = "123456"

	dateLayout = "2006-01-02 15:04:05"
)

// BaseInfo is the per-connection context decoded from the `param` query
// value. Immutable after creation; reconnections reuse the same BaseInfo.
type BaseInfo struct {
	UserID    string `json:"userId"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	Voice     string `json:"voice"`
	Location  string `json:"location"`
	Date      string `json:"date"`
}

// ParseParam decodes the Base64-encoded JSON `param` query value into a
// BaseInfo, applying defaults for anything missing. Malformed input yields a
// fully-defaulted BaseInfo rather than an error: a client with a broken
// param still gets a usable session.
func ParseParam(raw string) BaseInfo {
	var info BaseInfo

	if raw != "" {
		if data, err := base64.StdEncoding.DecodeString(raw); err == nil {
			json.Unmarshal(data, &info)
		} else if data, err := base64.URLEncoding.DecodeString(raw); err == nil {
			json.Unmarshal(data, &info)
		}
	}

	if info.Location == "" {
		info.Location = defaultLocation
	}
	if info.Voice == "" {
		info.Voice = defaultVoice
	}
	if info.UserID == "" {
		info.UserID = defaultUserID
	}
	if info.Date == "" {
		info.Date = time.Now().Format(dateLayout)
	}
	return info
}

// UserIDInt returns the numeric user ID, or 0 when it does not parse.
func (b BaseInfo) UserIDInt() int64 {
	id, err := strconv.ParseInt(b.UserID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
