// Package storage holds errors shared by store implementations.
package storage

import "errors"

var (
	ErrRoomNotFound    = errors.New("room is not found")
	ErrRoomExists      = errors.New("room already exists")
	ErrUserNotFound    = errors.New("user is not found")
	ErrUserExists      = errors.New("user already exists")
	ErrCallLogNotFound = errors.New("call log is not found")
	ErrSummaryNotFound = errors.New("meeting summary is not found")
)
