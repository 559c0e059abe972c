package domain

import "errors"

var (
	ErrChatNotFound     = errors.New("chat not found")
	ErrChatExists       = errors.New("chat already exists")
	ErrChatOwnedByOther = errors.New("chat belongs to another user")
	ErrMessageNotFound  = errors.New("message not found")
	ErrDuplicateMessage = errors.New("message already exists")
	ErrResourceNotFound = errors.New("resource not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotConnected     = errors.New("chat is not connected")
	ErrNotReady         = errors.New("resource is still processing")
	ErrUnusable         = errors.New("resource is unusable")
	ErrInvalidFrame     = errors.New("invalid frame")
	ErrUnknownFrame     = errors.New("unknown frame type")
	ErrEmptyMessage     = errors.New("message is empty")
)
