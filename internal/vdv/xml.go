package vdv

import (
	"encoding/xml"
	"time"
)

// zstLayout is used for every Zst/VerfallZst we send.
const zstLayout = time.RFC3339

func formatZst(t time.Time) string { return t.Format(zstLayout) }

type aboAUS struct {
	AboID      int    `xml:"AboID,attr"`
	VerfallZst string `xml:"VerfallZst,attr"`
	Hysterese  int    `xml:"Hysterese,omitempty"`
}

type aboAnfrage struct {
	XMLName     xml.Name `xml:"AboAnfrage"`
	Sender      string   `xml:"Sender,attr"`
	Zst         string   `xml:"Zst,attr"`
	AboAUS      *aboAUS  `xml:"AboAUS,omitempty"`
	AboLoeschen []int    `xml:"AboLoeschen,omitempty"`
}

type aboAntwort struct {
	XMLName      xml.Name     `xml:"AboAntwort"`
	Bestaetigung Bestaetigung `xml:"Bestaetigung"`
}

type statusAnfrage struct {
	XMLName xml.Name `xml:"StatusAnfrage"`
	Sender  string   `xml:"Sender,attr"`
	Zst     string   `xml:"Zst,attr"`
}

type statusAntwortXML struct {
	XMLName xml.Name `xml:"StatusAntwort"`
	StatusAntwort
}

type datenAbrufenAnfrage struct {
	XMLName       xml.Name `xml:"DatenAbrufenAnfrage"`
	Sender        string   `xml:"Sender,attr"`
	Zst           string   `xml:"Zst,attr"`
	DatensatzAlle bool     `xml:"DatensatzAlle"`
}

type ausNachricht struct {
	AboID     int        `xml:"AboID,attr"`
	IstFahrts []IstFahrt `xml:"IstFahrt"`
}

type datenAbrufenAntwort struct {
	XMLName       xml.Name       `xml:"DatenAbrufenAntwort"`
	Bestaetigung  Bestaetigung   `xml:"Bestaetigung"`
	WeitereDaten  bool           `xml:"WeitereDaten"`
	AUSNachrichts []ausNachricht `xml:"AUSNachricht"`
}

type datenBereitAnfrage struct {
	XMLName xml.Name `xml:"DatenBereitAnfrage"`
	Sender  string   `xml:"Sender,attr"`
	Zst     string   `xml:"Zst,attr"`
}

type datenBereitAntwort struct {
	XMLName      xml.Name     `xml:"DatenBereitAntwort"`
	Bestaetigung Bestaetigung `xml:"Bestaetigung"`
}

type clientStatusAnfrage struct {
	XMLName xml.Name `xml:"ClientStatusAnfrage"`
	Sender  string   `xml:"Sender,attr"`
	Zst     string   `xml:"Zst,attr"`
	MitAbos bool     `xml:"MitAbos,attr,omitempty"`
}

type clientStatusAntwort struct {
	XMLName        xml.Name `xml:"ClientStatusAntwort"`
	Status         Status   `xml:"Status"`
	StartDienstZst string   `xml:"StartDienstZst,omitempty"`
}
