package matching

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Identity is the opaque token of one live connection. It is created on
// connect, destroyed on disconnect and never reused.
type Identity string

// Gender is the self-declared gender submitted with a join request.
type Gender string

const (
	GenderAny       Gender = "Any"
	GenderMale      Gender = "Male"
	GenderFemale    Gender = "Female"
	GenderNonBinary Gender = "Non-binary"
)

const (
	MaxDisplayNameChars = 32
	MaxCountryChars     = 64
	MaxCountryCodeChars = 8
)

// ParseGender maps a wire value onto a Gender. An empty value is treated as
// GenderAny.
func ParseGender(s string) (Gender, bool) {
	switch Gender(strings.TrimSpace(s)) {
	case GenderAny, "":
		return GenderAny, true
	case GenderMale:
		return GenderMale, true
	case GenderFemale:
		return GenderFemale, true
	case GenderNonBinary:
		return GenderNonBinary, true
	}
	return "", false
}

// Profile holds the display attributes a user declares when joining the
// queue. It lives for one queue/session cycle.
type Profile struct {
	DisplayName string `json:"name"`
	Gender      Gender `json:"gender"`
	Country     string `json:"country"`
	CountryCode string `json:"country_code,omitempty"`
}

// NewProfile trims and validates the raw join fields.
func NewProfile(name, gender, country, countryCode string) (Profile, error) {
	g, ok := ParseGender(gender)
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown gender %q", ErrInvalidProfile, gender)
	}
	p := Profile{
		DisplayName: strings.TrimSpace(name),
		Gender:      g,
		Country:     strings.TrimSpace(country),
		CountryCode: strings.ToUpper(strings.TrimSpace(countryCode)),
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks the invariants of a stored Profile.
func (p Profile) Validate() error {
	switch {
	case strings.TrimSpace(p.DisplayName) == "":
		return fmt.Errorf("%w: display name is empty", ErrInvalidProfile)
	case utf8.RuneCountInString(p.DisplayName) > MaxDisplayNameChars:
		return fmt.Errorf("%w: display name exceeds %d characters", ErrInvalidProfile, MaxDisplayNameChars)
	case utf8.RuneCountInString(p.Country) > MaxCountryChars:
		return fmt.Errorf("%w: country exceeds %d characters", ErrInvalidProfile, MaxCountryChars)
	case utf8.RuneCountInString(p.CountryCode) > MaxCountryCodeChars:
		return fmt.Errorf("%w: country code exceeds %d characters", ErrInvalidProfile, MaxCountryCodeChars)
	}
	if _, ok := ParseGender(string(p.Gender)); !ok {
		return fmt.Errorf("%w: unknown gender %q", ErrInvalidProfile, p.Gender)
	}
	return nil
}

// Valid reports whether the profile passes Validate.
func (p Profile) Valid() bool {
	return p.Validate() == nil
}
