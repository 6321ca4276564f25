package vdv

import "fmt"

// APIError is returned when the server answers with a negative confirmation
// or an unhealthy status.
type APIError struct {
	Op           string
	Service      Service
	Ergebnis     string
	Fehlernummer string
	Fehlertext   string
	// StatusAntwort is set when the failure comes from a StatusAnfrage.
	StatusAntwort *StatusAntwort
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("vdv-453 %s (%s): Ergebnis=%q", e.Op, e.Service, e.Ergebnis)
	if e.Fehlernummer != "" {
		msg += fmt.Sprintf(" Fehlernummer=%s", e.Fehlernummer)
	}
	if e.Fehlertext != "" {
		msg += ": " + e.Fehlertext
	}
	return msg
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Op         string
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("vdv-453 %s: %s returned HTTP %d", e.Op, e.URL, e.StatusCode)
}

func apiErrorFromBestaetigung(op string, svc Service, b Bestaetigung) *APIError {
	return &APIError{
		Op:           op,
		Service:      svc,
		Ergebnis:     b.Ergebnis,
		Fehlernummer: b.Fehlernummer,
		Fehlertext:   b.Fehlertext,
	}
}
