// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	petname "github.com/dustinkirkland/golang-petname"
)

// PlaceholderName is shown for a remote participant until its name arrives.
const PlaceholderName = "Participant"

var ErrDisplayNameEmpty = errors.New("display name empty")

// DisplayName is opaque to the core; only emptiness is checked.
type DisplayName string

func NewDisplayName(s string) (DisplayName, error) {
	if len(s) == 0 {
		return "", ErrDisplayNameEmpty
	}
	return DisplayName(s), nil
}

// RandomDisplayName is used by headless participants started without a name.
func RandomDisplayName() DisplayName {
	return DisplayName(petname.Generate(2, " "))
}
