package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidSession is returned when a graceful shutdown is requested
	// without a valid session
	ErrInvalidSession = errors.New("invalid session")

	// ErrSessionLost is returned when a session dies before it could be used
	ErrSessionLost = errors.New("session lost")

	// ErrNoNewStreams is returned when a stream is refused because the session
	// is going away. The peer never processed the request.
	ErrNoNewStreams = errors.New("session does not accept new streams")
)

// Result is a fulfilled call outcome
type Result struct {
	// Status is the response status code, always 200
	Status int
	// Body is the response body decoded as text
	Body string
	// Value holds the parsed JSON value of Body, or Body itself when it does
	// not parse
	Value any
	// JSON reports whether Value was parsed from Body
	JSON bool
}

// Decode unmarshals the response body into v
func (r *Result) Decode(v any) error {
	return json.Unmarshal([]byte(r.Body), v)
}

// ApplicationError is a non-200 response carrying a JSON body
type ApplicationError struct {
	Status int
	Body   string
	Value  any
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("application error (status %d): %s", e.Status, e.Body)
}

// Decode unmarshals the error body into v
func (e *ApplicationError) Decode(v any) error {
	return json.Unmarshal([]byte(e.Body), v)
}

// ParseError is a non-200 response whose body is not JSON
type ParseError struct {
	Status int
	Body   string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse response (status %d): %v", e.Status, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// StatusError is a non-200 response with an empty body
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d", e.Code)
}

// resolve maps a completed response onto a call outcome
func resolve(status int, body string) (*Result, error) {
	if status == http.StatusOK {
		var v any
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return &Result{Status: status, Body: body, Value: body}, nil
		}
		return &Result{Status: status, Body: body, Value: v, JSON: true}, nil
	}

	if body == "" {
		return nil, &StatusError{Code: status}
	}

	var v any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, &ParseError{Status: status, Body: body, Err: err}
	}
	return nil, &ApplicationError{Status: status, Body: body, Value: v}
}
