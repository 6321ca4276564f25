package publisher

import (
	"strings"

	"vdv-nats-bridge/internal/vdv"
)

const (
	// EmptySegment stands in for a topic segment whose fields are all missing.
	EmptySegment = "_"
	// topicRootMaxLen caps the topic_root metric label.
	topicRootMaxLen = 7
)

// EscapeTopicSegment maps every character outside [A-Za-z0-9] to '_'.
// NATS recommends these characters only, and '.', '*' and '>' are special.
// Distinct IDs may collide, e.g. "foo.bar >baz" and "foo_bar__baz".
func EscapeTopicSegment(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func idOrTextSegment(id, text string) string {
	switch {
	case id != "":
		return "id:" + EscapeTopicSegment(id)
	case text != "":
		return "text:" + EscapeTopicSegment(text)
	}
	return EmptySegment
}

// DeriveTopic builds the hierarchical topic aus.istfahrt.$linie.$richtung.$fahrt
// that allows consumers to pre-filter. Missing IDs fall back to their text
// equivalents, then to EmptySegment.
func DeriveTopic(f *vdv.IstFahrt) string {
	linie := idOrTextSegment(f.LinienID, f.LinienText)
	richtung := idOrTextSegment(f.RichtungsID, f.RichtungsText)

	fahrt := EmptySegment
	if bezeichner, tag := f.TripID(); bezeichner != "" && tag != "" {
		fahrt = "id:" + EscapeTopicSegment(bezeichner) + ":tag:" + EscapeTopicSegment(tag)
	}

	return strings.Join([]string{"aus", "istfahrt", linie, richtung, fahrt}, ".")
}

// TopicRoot returns the first segment of topic, capped to keep the label
// cardinality low if a topic is ever malformed.
func TopicRoot(topic string) string {
	root, _, _ := strings.Cut(topic, ".")
	if len(root) > topicRootMaxLen {
		root = root[:topicRootMaxLen]
	}
	return root
}
