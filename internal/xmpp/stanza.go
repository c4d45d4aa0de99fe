// Package xmpp holds the small slice of XMPP the gateway speaks: typed
// stanzas, multi-user chat helpers, and an external component (XEP-0114)
// session.
package xmpp

import (
	"encoding/xml"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/stanza"
)

// Namespaces the mellium packages do not export.
const (
	NSMUCUnique  = "http://jabber.org/protocol/muc#unique"
	NSRoomConfig = "http://jabber.org/protocol/muc#roomconfig"
)

// Element is a generic XML element used for stanza extensions.
type Element struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []Element  `xml:",any"`
}

// NewElement builds an element. attrs are name/value pairs; a trailing odd
// name is ignored.
func NewElement(space, local string, attrs ...string) Element {
	e := Element{XMLName: xml.Name{Space: space, Local: local}}
	for i := 0; i+1 < len(attrs); i += 2 {
		e.Attrs = append(e.Attrs, xml.Attr{Name: xml.Name{Local: attrs[i]}, Value: attrs[i+1]})
	}
	return e
}

// DecodeElement reads the first element from r.
func DecodeElement(r xml.TokenReader) (Element, error) {
	var e Element
	err := xml.NewTokenDecoder(r).Decode(&e)
	return e, err
}

// With returns a copy of e with children appended.
func (e Element) With(children ...Element) Element {
	e.Children = append(append([]Element(nil), e.Children...), children...)
	return e
}

// WithText returns a copy of e carrying text.
func (e Element) WithText(text string) Element {
	e.Text = text
	return e
}

// Attr returns the value of the unqualified attribute name.
func (e Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name.Local == name && (a.Name.Space == "" || a.Name.Space == e.XMLName.Space) {
			return a.Value, true
		}
	}
	return "", false
}

// Child returns the first child matching space and local. An empty space
// matches any namespace.
func (e Element) Child(space, local string) (Element, bool) {
	return Find(e.Children, space, local)
}

// FirstChild returns the first child element, if any.
func (e Element) FirstChild() (Element, bool) {
	if len(e.Children) == 0 {
		return Element{}, false
	}
	return e.Children[0], true
}

// TokenReader implements xmlstream.Marshaler. Namespace declarations held in
// Attrs are dropped; the encoder derives them from XMLName.
func (e Element) TokenReader() xml.TokenReader {
	start := xml.StartElement{Name: e.XMLName}
	for _, a := range e.Attrs {
		if a.Name.Local == "xmlns" || a.Name.Space == "xmlns" {
			continue
		}
		start.Attr = append(start.Attr, a)
	}
	inner := make([]xml.TokenReader, 0, len(e.Children)+1)
	if e.Text != "" {
		inner = append(inner, xmlstream.Token(xml.CharData(e.Text)))
	}
	for _, c := range e.Children {
		inner = append(inner, c.TokenReader())
	}
	return xmlstream.Wrap(xmlstream.MultiReader(inner...), start)
}

// Find returns the first element in els matching space and local. An empty
// space matches any namespace.
func Find(els []Element, space, local string) (Element, bool) {
	for _, el := range els {
		if el.XMLName.Local == local && (space == "" || el.XMLName.Space == space) {
			return el, true
		}
	}
	return Element{}, false
}

func readers(els []Element) []xml.TokenReader {
	out := make([]xml.TokenReader, 0, len(els))
	for _, el := range els {
		out = append(out, el.TokenReader())
	}
	return out
}

// errorCondition decodes the stanza error among els.
//
// Postcondition: Returns "" when els carries no error element.
func errorCondition(els []Element) stanza.Condition {
	e, ok := Find(els, "", "error")
	if !ok {
		return ""
	}
	var se stanza.Error
	if err := xml.NewTokenDecoder(e.TokenReader()).Decode(&se); err != nil || se.Condition == "" {
		return stanza.UndefinedCondition
	}
	return se.Condition
}

// Message is a <message/> stanza with its subject, body and extensions.
type Message struct {
	stanza.Message
	Subject    string    `xml:"subject,omitempty"`
	Body       string    `xml:"body,omitempty"`
	Extensions []Element `xml:",any"`
}

// Extension returns the first extension element matching space and local.
func (m *Message) Extension(space, local string) (Element, bool) {
	return Find(m.Extensions, space, local)
}

// TokenReader implements xmlstream.Marshaler.
func (m *Message) TokenReader() xml.TokenReader {
	var payload []xml.TokenReader
	if m.Subject != "" {
		payload = append(payload, textElement("subject", m.Subject))
	}
	if m.Body != "" {
		payload = append(payload, textElement("body", m.Body))
	}
	payload = append(payload, readers(m.Extensions)...)
	return m.Message.Wrap(xmlstream.MultiReader(payload...))
}

func textElement(local, text string) xml.TokenReader {
	return xmlstream.Wrap(
		xmlstream.Token(xml.CharData(text)),
		xml.StartElement{Name: xml.Name{Local: local}},
	)
}

// Presence is a <presence/> stanza. An empty Type means available.
type Presence struct {
	stanza.Presence
	Extensions []Element `xml:",any"`
}

// Available reports whether the presence announces availability.
func (p *Presence) Available() bool {
	return p.Type == stanza.AvailablePresence
}

// ErrorCondition returns the defined condition of an error presence, or ""
// when p carries none.
func (p *Presence) ErrorCondition() stanza.Condition {
	return errorCondition(p.Extensions)
}

// TokenReader implements xmlstream.Marshaler.
func (p *Presence) TokenReader() xml.TokenReader {
	return p.Presence.Wrap(xmlstream.MultiReader(readers(p.Extensions)...))
}

// IQ is an <iq/> request or response.
type IQ struct {
	stanza.IQ
	Payload []Element `xml:",any"`
}

// Child returns the first payload element matching space and local.
func (iq *IQ) Child(space, local string) (Element, bool) {
	return Find(iq.Payload, space, local)
}

// ErrorCondition returns the defined condition of an error response, or ""
// when iq carries none.
func (iq *IQ) ErrorCondition() stanza.Condition {
	return errorCondition(iq.Payload)
}

// TokenReader implements xmlstream.Marshaler.
func (iq *IQ) TokenReader() xml.TokenReader {
	return iq.IQ.Wrap(xmlstream.MultiReader(readers(iq.Payload)...))
}
