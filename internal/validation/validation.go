package validation

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// ErrCoordinatesMissing is returned when latitude or longitude is absent.
var ErrCoordinatesMissing = errors.New("latitude and longitude are required")

// ErrCoordinatesInvalid is returned when latitude or longitude is not a finite number.
var ErrCoordinatesInvalid = errors.New("latitude and longitude must be numeric")

// ErrDaysInvalid is returned when the forecast day count is not an integer in range.
var ErrDaysInvalid = errors.New("days must be an integer between 1 and 3")

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooLong is returned when location length exceeds the maximum.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// ParseCoordinates parses latitude and longitude query values. Values are trimmed; the
// range is not checked, out-of-range points still resolve to some station.
func ParseCoordinates(latInput, lonInput string) (lat, lon float64, err error) {
	latInput, lonInput = strings.TrimSpace(latInput), strings.TrimSpace(lonInput)
	if latInput == "" || lonInput == "" {
		return 0, 0, ErrCoordinatesMissing
	}
	lat, err = parseFinite(latInput)
	if err != nil {
		return 0, 0, err
	}
	lon, err = parseFinite(lonInput)
	if err != nil {
		return 0, 0, err
	}
	return lat, lon, nil
}

func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrCoordinatesInvalid
	}
	return v, nil
}

// ParseDays parses the forecast day count. An empty input yields def.
func ParseDays(input string, def, max int) (int, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return def, nil
	}
	n, err := strconv.Atoi(input)
	if err != nil || n < 1 || n > max {
		return 0, ErrDaysInvalid
	}
	return n, nil
}

// ValidateLocation trims the input, enforces the maximum length in runes and restricts
// to letters (Unicode), digits, space and the punctuation ",-.()".
// Returns the trimmed display name.
func ValidateLocation(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '(', ')':
		return true
	}
	return false
}
