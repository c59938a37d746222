package controllers

import (
	"errors"
	"net/http"

	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/session"
)

// prepareStatus maps negotiation failures onto the statuses senders key
// their retry behavior on: 401 asks for a PIN, 409/429 mean busy and
// retryable, 403 means declined.
func prepareStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrPinRequired), errors.Is(err, session.ErrInvalidPin):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrRejected):
		return http.StatusForbidden
	case errors.Is(err, session.ErrBlocked):
		return http.StatusConflict
	case errors.Is(err, session.ErrTooManyRequests):
		return http.StatusTooManyRequests
	case faults.KindOf(err) == faults.KindProtocol:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// uploadStatus maps chunk intake failures. Unknown session or file is
// 404, a bad token is 403, a range fight is 409. Mismatched content
// stays 500 like the rest of the receiver errors.
func uploadStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, session.ErrUnknownFile):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidToken):
		return http.StatusForbidden
	case errors.Is(err, session.ErrChunkConflict):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidRange):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// readStatus distinguishes an oversized body from a broken read.
func readStatus(err error) int {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}
