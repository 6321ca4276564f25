package vdv

import (
	"context"
	"time"
)

// Service is a VDV-453/-454 service ("Dienst").
type Service string

// AUS is the VDV-454 network-wide realtime service ("Ist-Daten").
const AUS Service = "AUS"

// Path returns the lower-case path segment used in VDV-453 URLs, e.g. "aus".
func (s Service) Path() string {
	switch s {
	case AUS:
		return "aus"
	}
	return string(s)
}

type FahrtID struct {
	FahrtBezeichner string `xml:"FahrtBezeichner" json:"FahrtBezeichner,omitempty"`
	Betriebstag     string `xml:"Betriebstag" json:"Betriebstag,omitempty"`
}

type FahrtRef struct {
	FahrtID FahrtID `xml:"FahrtID" json:"FahrtID"`
}

type IstHalt struct {
	HaltID                string `xml:"HaltID" json:"HaltID,omitempty"`
	Abfahrtszeit          string `xml:"Abfahrtszeit,omitempty" json:"Abfahrtszeit,omitempty"`
	Ankunftszeit          string `xml:"Ankunftszeit,omitempty" json:"Ankunftszeit,omitempty"`
	IstAbfahrtPrognose    string `xml:"IstAbfahrtPrognose,omitempty" json:"IstAbfahrtPrognose,omitempty"`
	IstAnkunftPrognose    string `xml:"IstAnkunftPrognose,omitempty" json:"IstAnkunftPrognose,omitempty"`
	AbfahrtssteigText     string `xml:"AbfahrtssteigText,omitempty" json:"AbfahrtssteigText,omitempty"`
	AnkunftssteigText     string `xml:"AnkunftssteigText,omitempty" json:"AnkunftssteigText,omitempty"`
	Durchfahrt            bool   `xml:"Durchfahrt,omitempty" json:"Durchfahrt,omitempty"`
	Zusatzhalt            bool   `xml:"Zusatzhalt,omitempty" json:"Zusatzhalt,omitempty"`
	AbfahrtFaelltAus      bool   `xml:"AbfahrtFaelltAus,omitempty" json:"AbfahrtFaelltAus,omitempty"`
	AnkunftFaelltAus      bool   `xml:"AnkunftFaelltAus,omitempty" json:"AnkunftFaelltAus,omitempty"`
	HinweisText           string `xml:"HinweisText,omitempty" json:"HinweisText,omitempty"`
	Besetztgrad           string `xml:"Besetztgrad,omitempty" json:"Besetztgrad,omitempty"`
	RichtungsText         string `xml:"RichtungsText,omitempty" json:"RichtungsText,omitempty"`
	VonRichtungsText      string `xml:"VonRichtungsText,omitempty" json:"VonRichtungsText,omitempty"`
	ProduktID             string `xml:"ProduktID,omitempty" json:"ProduktID,omitempty"`
	LinienfahrwegID       string `xml:"LinienfahrwegID,omitempty" json:"LinienfahrwegID,omitempty"`
	FahrtStatus           string `xml:"FahrtStatus,omitempty" json:"FahrtStatus,omitempty"`
	ExterneHaltestelleRef string `xml:"ExterneHaltestelleRef,omitempty" json:"ExterneHaltestelleRef,omitempty"`
}

// IstFahrt is a single realtime trip record of the AUS service.
// Every identifying field is optional; servers populate them inconsistently.
type IstFahrt struct {
	Zst           string    `xml:"Zst,attr,omitempty" json:"Zst,omitempty"`
	LinienID      string    `xml:"LinienID,omitempty" json:"LinienID,omitempty"`
	RichtungsID   string    `xml:"RichtungsID,omitempty" json:"RichtungsID,omitempty"`
	FahrtRef      *FahrtRef `xml:"FahrtRef,omitempty" json:"FahrtRef,omitempty"`
	Komplettfahrt bool      `xml:"Komplettfahrt,omitempty" json:"Komplettfahrt,omitempty"`
	BetreiberID   string    `xml:"BetreiberID,omitempty" json:"BetreiberID,omitempty"`
	IstHalts      []IstHalt `xml:"IstHalt" json:"IstHalt,omitempty"`
	LinienText    string    `xml:"LinienText,omitempty" json:"LinienText,omitempty"`
	ProduktID     string    `xml:"ProduktID,omitempty" json:"ProduktID,omitempty"`
	RichtungsText string    `xml:"RichtungsText,omitempty" json:"RichtungsText,omitempty"`
	Zusatzfahrt   bool      `xml:"Zusatzfahrt,omitempty" json:"Zusatzfahrt,omitempty"`
	FaelltAus     bool      `xml:"FaelltAus,omitempty" json:"FaelltAus,omitempty"`
	FahrzeugTypID string    `xml:"FahrzeugTypID,omitempty" json:"FahrzeugTypID,omitempty"`

	// BestaetigungZst is the Zst of the DatenAbrufenAntwort confirmation the
	// record arrived with. It is not part of the IstFahrt element itself.
	BestaetigungZst string `xml:"-" json:"$BestaetigungZst,omitempty"`
}

// TripID returns FahrtBezeichner and Betriebstag, empty when FahrtRef is missing.
func (f *IstFahrt) TripID() (bezeichner, betriebstag string) {
	if f.FahrtRef == nil {
		return "", ""
	}
	return f.FahrtRef.FahrtID.FahrtBezeichner, f.FahrtRef.FahrtID.Betriebstag
}

// Status is the Status element of a StatusAntwort.
type Status struct {
	Zst      string `xml:"Zst,attr"`
	Ergebnis string `xml:"Ergebnis,attr"`
}

func (s Status) OK() bool { return s.Ergebnis == "ok" }

type StatusAntwort struct {
	Status         Status `xml:"Status"`
	DatenBereit    bool   `xml:"DatenBereit"`
	StartDienstZst string `xml:"StartDienstZst,omitempty"`
}

// Bestaetigung is the confirmation element carried by most VDV-453 answers.
type Bestaetigung struct {
	Zst          string `xml:"Zst,attr"`
	Ergebnis     string `xml:"Ergebnis,attr"`
	Fehlernummer string `xml:"Fehlernummer,attr"`
	Fehlertext   string `xml:"Fehlertext,omitempty"`
}

func (b Bestaetigung) OK() bool { return b.Ergebnis == "ok" }

// SubscriptionStats is a snapshot of the client's own subscription bookkeeping.
type SubscriptionStats struct {
	NrOfSubscriptions int
}

// Subscription ("Abo") as acknowledged by the server.
type Subscription struct {
	AboID     int
	Service   Service
	ExpiresAt time.Time
	Stats     SubscriptionStats
}

// ServerStatus is the result of a successful StatusAnfrage.
type ServerStatus struct {
	Status Status
	// StartDienstZst is empty when the server did not provide one.
	StartDienstZst string
}

// FetchStats describes a completed data fetch (a series of DatenAbrufenAnfrage requests).
type FetchStats struct {
	NrOfFetches int
	TimePassed  time.Duration
}

// RecordListener receives every IstFahrt delivered for a service, in order.
type RecordListener interface {
	HandleIstFahrt(ctx context.Context, f *IstFahrt)
}

// RecordListenerFunc adapts a function to RecordListener.
type RecordListenerFunc func(ctx context.Context, f *IstFahrt)

func (fn RecordListenerFunc) HandleIstFahrt(ctx context.Context, f *IstFahrt) { fn(ctx, f) }

// Observer is notified about protocol-level events, one method per event kind.
type Observer interface {
	DatenBereitAnfrage(svc Service, zst string)
	ClientStatusAnfrage(svc Service, zst string)
	StatusAntwort(svc Service, a StatusAntwort)
	DatenAbrufenAntwort(svc Service, b Bestaetigung)
	Subscribed(svc Service, sub Subscription, b Bestaetigung)
	SubscriptionUpdated(svc Service, sub Subscription, b Bestaetigung)
	SubscriptionExpired(svc Service, sub Subscription)
	SubscriptionCanceled(svc Service, sub Subscription, reason string)
	DataFetchStarted(svc Service, datensatzAlle bool)
	DataFetchSucceeded(svc Service, datensatzAlle bool, stats FetchStats)
	DataFetchFailed(svc Service, datensatzAlle bool, err error, stats FetchStats)
	AusFetchSucceeded(datensatzAlle bool, nrOfIstFahrts int)
}

// Client is the request/response side of a VDV-453 client plus its inbound HTTP listener.
type Client interface {
	Subscribe(ctx context.Context, svc Service, expiresAt time.Time, fetchInterval time.Duration) (Subscription, error)
	Unsubscribe(ctx context.Context, svc Service, aboID int) error
	CheckServerStatus(ctx context.Context, svc Service) (ServerStatus, error)
	AddRecordListener(svc Service, l RecordListener)
	Listen(addr string) error
	Close(ctx context.Context) error
}
