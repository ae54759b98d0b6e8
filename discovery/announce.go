package discovery

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// maxAnnouncementSize bounds a single discovery datagram.
const maxAnnouncementSize = 2048

// ErrMalformedAnnouncement is returned for payloads that are not a valid announcement.
var ErrMalformedAnnouncement = errors.New("malformed announcement")

// Announcement is the presence payload broadcast on the discovery port.
type Announcement struct {
	Host string `json:"host"`
	OS   string `json:"os"`
}

// Encode marshals a to its wire form.
func (a Announcement) Encode() ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, errors.Wrap(err, "encode announcement")
	}
	return raw, nil
}

// DecodeAnnouncement parses a discovery datagram.
func DecodeAnnouncement(raw []byte) (Announcement, error) {
	if len(raw) == 0 || len(raw) > maxAnnouncementSize {
		return Announcement{}, ErrMalformedAnnouncement
	}

	var a Announcement
	if err := json.Unmarshal(raw, &a); err != nil {
		return Announcement{}, errors.Wrap(ErrMalformedAnnouncement, err.Error())
	}
	a.Host = strings.TrimSpace(a.Host)
	a.OS = strings.TrimSpace(a.OS)
	if a.Host == "" {
		return Announcement{}, ErrMalformedAnnouncement
	}
	return a, nil
}
