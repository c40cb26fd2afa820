package client

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
)

// FetchError reports a listing or probe request that did not succeed.
// StatusCode is zero when no response was received at all.
type FetchError struct {
	URL        string
	StatusCode int
	Status     string
	Err        error
}

// AsFetchError converts an HTTP status to a FetchError. If the status code is
// in the 2xx range, it returns nil.
func AsFetchError(url string, statusCode int, status string) *FetchError {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	fe := &FetchError{
		URL:        url,
		StatusCode: statusCode,
		Status:     status,
	}
	switch statusCode {
	case http.StatusNotFound, http.StatusGone:
		fe.Err = fs.ErrNotExist
	case http.StatusUnauthorized, http.StatusForbidden:
		fe.Err = fs.ErrPermission
	default:
		fe.Err = fs.ErrInvalid
	}
	return fe
}

func transportError(url string, err error) *FetchError {
	return &FetchError{URL: url, Err: err}
}

func (e *FetchError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError reports whether err is or wraps a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
