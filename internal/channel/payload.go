package channel

import (
	"encoding/json"
	"maps"

	"github.com/roach88/audiencesync/internal/mutation"
)

// TagChanges is the tag delta sent alongside a minimized payload.
type TagChanges struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

func (c *TagChanges) equal(o *TagChanges) bool {
	if c == nil || o == nil {
		return c == nil && o == nil
	}
	return mutation.NewTagSet(c.Add...).Equal(mutation.NewTagSet(o.Add...)) &&
		mutation.NewTagSet(c.Remove...).Equal(mutation.NewTagSet(o.Remove...))
}

// Payload is the registration record for a channel. Empty strings and nil
// pointers mean "not set" and are left out of the request.
type Payload struct {
	DeviceType        string
	OptIn             bool
	BackgroundEnabled bool
	PushAddress       string

	// SetTags makes the backend replace the channel's device tags with Tags.
	SetTags    bool
	Tags       mutation.TagSet
	TagChanges *TagChanges

	Timezone         string
	Language         string
	Country          string
	LocationSettings *bool
	AppVersion       string
	SDKVersion       string
	DeviceModel      string
	APIVersion       *int
	ContactID        string
	IsActive         bool
	Permissions      map[string]string

	// UserID and InstallID are identity hints, only meaningful when the
	// channel is created.
	UserID    string
	InstallID string
}

type wireChannel struct {
	DeviceType        string            `json:"device_type"`
	SetTags           bool              `json:"set_tags"`
	OptIn             bool              `json:"opt_in"`
	PushAddress       string            `json:"push_address,omitempty"`
	BackgroundEnabled bool              `json:"background"`
	Timezone          string            `json:"timezone,omitempty"`
	Language          string            `json:"locale_language,omitempty"`
	Country           string            `json:"locale_country,omitempty"`
	AppVersion        string            `json:"app_version,omitempty"`
	SDKVersion        string            `json:"sdk_version,omitempty"`
	DeviceModel       string            `json:"device_model,omitempty"`
	ContactID         string            `json:"contact_id,omitempty"`
	IsActive          bool              `json:"is_activity"`
	LocationSettings  *bool             `json:"location_settings,omitempty"`
	APIVersion        *int              `json:"android_api_version,omitempty"`
	Tags              *[]string         `json:"tags,omitempty"`
	TagChanges        *TagChanges       `json:"tag_changes,omitempty"`
	Permissions       map[string]string `json:"permissions,omitempty"`
}

type wireIdentityHints struct {
	UserID    string `json:"user_id,omitempty"`
	InstallID string `json:"install_id,omitempty"`
}

type wirePayload struct {
	Channel       wireChannel        `json:"channel"`
	IdentityHints *wireIdentityHints `json:"identity_hints,omitempty"`
}

// MarshalJSON encodes the payload in the backend's request format.
func (p Payload) MarshalJSON() ([]byte, error) {
	w := wirePayload{Channel: wireChannel{
		DeviceType:        p.DeviceType,
		SetTags:           p.SetTags,
		OptIn:             p.OptIn,
		PushAddress:       p.PushAddress,
		BackgroundEnabled: p.BackgroundEnabled,
		Timezone:          p.Timezone,
		Language:          p.Language,
		Country:           p.Country,
		AppVersion:        p.AppVersion,
		SDKVersion:        p.SDKVersion,
		DeviceModel:       p.DeviceModel,
		ContactID:         p.ContactID,
		IsActive:          p.IsActive,
		LocationSettings:  p.LocationSettings,
		APIVersion:        p.APIVersion,
		Permissions:       p.Permissions,
	}}
	if p.SetTags && p.Tags != nil {
		tags := p.Tags.Sorted()
		w.Channel.Tags = &tags
	}
	if p.SetTags {
		w.Channel.TagChanges = p.TagChanges
	}
	if p.UserID != "" || p.InstallID != "" {
		w.IdentityHints = &wireIdentityHints{UserID: p.UserID, InstallID: p.InstallID}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the backend's request format.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var w wirePayload
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c := w.Channel
	*p = Payload{
		DeviceType:        c.DeviceType,
		OptIn:             c.OptIn,
		BackgroundEnabled: c.BackgroundEnabled,
		PushAddress:       c.PushAddress,
		SetTags:           c.SetTags,
		TagChanges:        c.TagChanges,
		Timezone:          c.Timezone,
		Language:          c.Language,
		Country:           c.Country,
		LocationSettings:  c.LocationSettings,
		AppVersion:        c.AppVersion,
		SDKVersion:        c.SDKVersion,
		DeviceModel:       c.DeviceModel,
		APIVersion:        c.APIVersion,
		ContactID:         c.ContactID,
		IsActive:          c.IsActive,
		Permissions:       c.Permissions,
	}
	if c.Tags != nil {
		p.Tags = mutation.NewTagSet(*c.Tags...)
	}
	if w.IdentityHints != nil {
		p.UserID = w.IdentityHints.UserID
		p.InstallID = w.IdentityHints.InstallID
	}
	return nil
}

// Equal compares every registration field. InstallID is never compared; the
// activity flag only when compareIsActive is set.
func (p Payload) Equal(o Payload, compareIsActive bool) bool {
	if compareIsActive && p.IsActive != o.IsActive {
		return false
	}
	return p.OptIn == o.OptIn &&
		p.BackgroundEnabled == o.BackgroundEnabled &&
		p.SetTags == o.SetTags &&
		p.DeviceType == o.DeviceType &&
		p.PushAddress == o.PushAddress &&
		tagsEqual(p.Tags, o.Tags) &&
		p.TagChanges.equal(o.TagChanges) &&
		p.UserID == o.UserID &&
		p.Timezone == o.Timezone &&
		p.Language == o.Language &&
		p.Country == o.Country &&
		ptrEqual(p.LocationSettings, o.LocationSettings) &&
		p.AppVersion == o.AppVersion &&
		p.SDKVersion == o.SDKVersion &&
		p.DeviceModel == o.DeviceModel &&
		ptrEqual(p.APIVersion, o.APIVersion) &&
		p.ContactID == o.ContactID &&
		maps.Equal(p.Permissions, o.Permissions)
}

func tagsEqual(a, b mutation.TagSet) bool {
	return (a == nil) == (b == nil) && a.Equal(b)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Clone returns a deep copy.
func (p Payload) Clone() Payload {
	out := p
	if p.Tags != nil {
		out.Tags = p.Tags.Clone()
	}
	if p.TagChanges != nil {
		tc := TagChanges{
			Add:    append([]string(nil), p.TagChanges.Add...),
			Remove: append([]string(nil), p.TagChanges.Remove...),
		}
		out.TagChanges = &tc
	}
	if p.LocationSettings != nil {
		v := *p.LocationSettings
		out.LocationSettings = &v
	}
	if p.APIVersion != nil {
		v := *p.APIVersion
		out.APIVersion = &v
	}
	out.Permissions = maps.Clone(p.Permissions)
	return out
}

// forUpdate strips fields that are only sent on creation.
func (p Payload) forUpdate() Payload {
	out := p.Clone()
	out.InstallID = ""
	return out
}

// Minimize returns the payload to send as an update given the last payload
// the backend accepted. Unchanged tags are dropped (changed ones are sent
// with a tag delta). Unchanged locale, version and location fields are
// dropped unless the contact changed. Identity hints are never resent.
func (p Payload) Minimize(last *Payload) Payload {
	if last == nil {
		return p.forUpdate()
	}

	out := p.Clone()
	out.UserID = ""
	out.InstallID = ""

	if last.SetTags && p.SetTags && last.Tags != nil {
		if tagsEqual(last.Tags, p.Tags) {
			out.SetTags = false
			out.Tags = nil
		} else {
			out.TagChanges = tagDelta(last.Tags, p.Tags)
		}
	}

	if p.ContactID == "" || p.ContactID == last.ContactID {
		if last.Country == p.Country {
			out.Country = ""
		}
		if last.Language == p.Language {
			out.Language = ""
		}
		if last.Timezone == p.Timezone {
			out.Timezone = ""
		}
		if ptrEqual(last.LocationSettings, p.LocationSettings) {
			out.LocationSettings = nil
		}
		if last.AppVersion == p.AppVersion {
			out.AppVersion = ""
		}
		if last.SDKVersion == p.SDKVersion {
			out.SDKVersion = ""
		}
		if last.DeviceModel == p.DeviceModel {
			out.DeviceModel = ""
		}
		if ptrEqual(last.APIVersion, p.APIVersion) {
			out.APIVersion = nil
		}
	}
	return out
}

func tagDelta(last, current mutation.TagSet) *TagChanges {
	var tc TagChanges
	for _, t := range current.Sorted() {
		if !last.Has(t) {
			tc.Add = append(tc.Add, t)
		}
	}
	for _, t := range last.Sorted() {
		if !current.Has(t) {
			tc.Remove = append(tc.Remove, t)
		}
	}
	return &tc
}
