// Package apierr defines the typed error taxonomy for storage-node request
// handling and the single table that translates those errors into HTTP
// responses. Handlers return a Go error; RespondError below is the only
// place that knows how errors become status codes and bodies, so no
// handler branches on status codes directly.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel error kinds for request handling. Each request-level error
// wraps one of these with fmt.Errorf("%w: ...", ...) so errors.Is still
// works after additional context is attached.
var (
	ErrBadRequest       = errors.New("bad request")
	ErrWrongSwarm       = errors.New("wrong swarm")
	ErrInvalidPoW       = errors.New("invalid proof of work")
	ErrInvalidTTL       = errors.New("invalid ttl")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrRateLimited      = errors.New("rate limited")
	ErrNotReady         = errors.New("not ready")
	ErrUpstream         = errors.New("upstream failure")
	ErrTransport        = errors.New("transport failure")
	ErrStorage          = errors.New("storage failure")
)

// WrongSwarmPayload attaches the redirect list a handler of ErrWrongSwarm
// must return to the caller.
type WrongSwarmPayload struct {
	Snodes any `json:"snodes"`
}

// PoWPayload attaches the difficulty a handler of ErrInvalidPoW must return
// to the caller so they can retry with a valid nonce.
type PoWPayload struct {
	Difficulty uint64 `json:"difficulty"`
}

type wrongSwarmError struct {
	err     error
	payload WrongSwarmPayload
}

func (e *wrongSwarmError) Error() string { return e.err.Error() }
func (e *wrongSwarmError) Unwrap() error { return e.err }

// WrongSwarm wraps ErrWrongSwarm with the member list of the correct swarm.
func WrongSwarm(snodes any) error {
	return &wrongSwarmError{err: fmt.Errorf("%w", ErrWrongSwarm), payload: WrongSwarmPayload{Snodes: snodes}}
}

type powError struct {
	err        error
	difficulty uint64
}

func (e *powError) Error() string { return e.err.Error() }
func (e *powError) Unwrap() error { return e.err }

// InvalidPoW wraps ErrInvalidPoW with the difficulty the client should
// have targeted, echoed back so the client can retry.
func InvalidPoW(difficulty uint64) error {
	return &powError{err: fmt.Errorf("%w", ErrInvalidPoW), difficulty: difficulty}
}

// statusTable maps each sentinel to its HTTP status. Walked in order so the
// most specific wrapped sentinel wins when an error wraps more than one
// (it never should, but order keeps behavior deterministic).
var statusTable = []struct {
	sentinel error
	status   int
}{
	{ErrBadRequest, http.StatusBadRequest},
	{ErrWrongSwarm, http.StatusMisdirectedRequest},
	{ErrInvalidTTL, http.StatusForbidden},
	{ErrInvalidTimestamp, http.StatusNotAcceptable},
	{ErrUnauthorized, http.StatusUnauthorized},
	{ErrRateLimited, http.StatusTooManyRequests},
	{ErrInvalidPoW, 432},
	{ErrNotReady, http.StatusServiceUnavailable},
	{ErrStorage, http.StatusInternalServerError},
}

// StatusFor returns the HTTP status code for err, or 500 if err does not
// wrap any known sentinel (Upstream and Transport errors never reach a
// client directly; StatusFor treats them as internal failures as a
// fallback).
func StatusFor(err error) int {
	for _, entry := range statusTable {
		if errors.Is(err, entry.sentinel) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}

// RespondError writes the appropriate HTTP status and JSON body for err. It
// is the single response-translation point every client-facing handler
// funnels through, so no handler leaves a connection in an undefined state.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	var wrongSwarm *wrongSwarmError
	if errors.As(err, &wrongSwarm) {
		json.NewEncoder(w).Encode(wrongSwarm.payload) //nolint:errcheck
		return
	}

	var pow *powError
	if errors.As(err, &pow) {
		json.NewEncoder(w).Encode(PoWPayload{Difficulty: pow.difficulty}) //nolint:errcheck
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}) //nolint:errcheck
}
