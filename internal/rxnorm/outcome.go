package rxnorm

import (
	"encoding/json"
	"fmt"
)

// OutcomeKind classifies one reference-service call
type OutcomeKind int

const (
	// OutcomeData carries a 2xx body worth decoding
	OutcomeData OutcomeKind = iota
	// OutcomeNotFound is a legitimate "no such concept" answer (404, empty body, "Not found")
	OutcomeNotFound
	// OutcomeTransient means retries were exhausted, the breaker is open, or the caller gave up
	OutcomeTransient
	// OutcomeFatal is a non-retryable client error such as 400
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeData:
		return "data"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the tagged result of Fetch. Err is set only for Transient and Fatal.
type Outcome struct {
	Kind   OutcomeKind
	Status int
	Body   []byte
	Err    error
}

// Failed reports whether the call could not produce an answer at all
func (o Outcome) Failed() bool {
	return o.Kind == OutcomeTransient || o.Kind == OutcomeFatal
}

// Decode unmarshals a Data body into v. It returns false for every other kind
// and for malformed payloads, which callers treat as "no data".
func (o Outcome) Decode(v any) bool {
	if o.Kind != OutcomeData {
		return false
	}
	return json.Unmarshal(o.Body, v) == nil
}
