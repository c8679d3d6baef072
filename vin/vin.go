// Package vin validates vehicle identification numbers (ISO 3779) and
// Indian registration plate numbers.
package vin

import (
	"errors"
	"regexp"
	"strings"
)

// ErrChecksum is returned when a 17-character VIN fails its check digit.
var ErrChecksum = errors.New("invalid VIN checksum")

// ErrFormat is returned when a VIN has invalid length or characters.
var ErrFormat = errors.New("invalid VIN format")

// Transliteration values per ISO 3779. I, O and Q are not valid VIN
// characters and are absent from the table.
var translit = map[byte]int{
	'A': 1, 'B': 2, 'C': 3, 'D': 4, 'E': 5, 'F': 6, 'G': 7, 'H': 8,
	'J': 1, 'K': 2, 'L': 3, 'M': 4, 'N': 5, 'P': 7, 'R': 9,
	'S': 2, 'T': 3, 'U': 4, 'V': 5, 'W': 6, 'X': 7, 'Y': 8, 'Z': 9,
	'0': 0, '1': 1, '2': 2, '3': 3, '4': 4, '5': 5, '6': 6, '7': 7, '8': 8, '9': 9,
}

// Position weights for the check digit computation (position 9 weighs 0).
var weights = [17]int{8, 7, 6, 5, 4, 3, 2, 10, 0, 9, 8, 7, 6, 5, 4, 3, 2}

// Indian plate format: state code, district number, optional series, number.
var plateRe = regexp.MustCompile(`^[A-Z]{2}[0-9]{1,2}[A-Z]{0,3}[0-9]{1,4}$`)

// Normalize uppercases and strips spaces and hyphens.
func Normalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// Validate checks a normalized VIN. 17-character VINs are verified against
// their ISO 3779 check digit; shorter identifiers are accepted as
// registration numbers when they match the Indian plate format.
func Validate(v string) error {
	if v == "" {
		return ErrFormat
	}
	if len(v) == 17 {
		return validateChecksum(v)
	}
	if plateRe.MatchString(v) {
		return nil
	}
	return ErrFormat
}

// IsFullVIN reports whether v is a 17-character VIN (as opposed to a
// registration plate number).
func IsFullVIN(v string) bool {
	return len(v) == 17
}

// CheckDigit computes the ISO 3779 check digit for a 17-character VIN.
// Returns 0 and false if the VIN contains invalid characters.
func CheckDigit(v string) (byte, bool) {
	if len(v) != 17 {
		return 0, false
	}
	sum := 0
	for i := 0; i < 17; i++ {
		val, ok := translit[v[i]]
		if !ok {
			return 0, false
		}
		sum += val * weights[i]
	}
	rem := sum % 11
	if rem == 10 {
		return 'X', true
	}
	return byte('0' + rem), true
}

func validateChecksum(v string) error {
	want, ok := CheckDigit(v)
	if !ok {
		return ErrFormat
	}
	if v[8] != want {
		return ErrChecksum
	}
	return nil
}

// PlateState returns the two-letter state code of an Indian registration
// number ("MH12AB1234" -> "MH"), or "" if the value is not a plate.
func PlateState(v string) string {
	if plateRe.MatchString(v) {
		return v[:2]
	}
	return ""
}
