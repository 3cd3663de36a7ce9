package service

import "errors"

var (
	// ErrNotFound is returned for assets or mappings that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when adding a mapping whose normalized name is taken.
	ErrExists = errors.New("already exists")
	// ErrInvalid is returned for blank names or device ids.
	ErrInvalid = errors.New("invalid input")
	// ErrUpstream wraps failures of the weather provider.
	ErrUpstream = errors.New("upstream failure")
	// ErrUnauthorized is returned when the admin token is missing or wrong.
	ErrUnauthorized = errors.New("unauthorized")
)
