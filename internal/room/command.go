package room

import (
	"encoding/xml"

	"github.com/cory-johannsen/gameroom/internal/xmpp"
)

// Command is one instruction from a player: the local name of the first
// element inside the envelope and its attributes in document order.
type Command struct {
	Name string
	Args []xml.Attr
}

// Arg returns the value of the named attribute.
func (c Command) Arg(name string) (string, bool) {
	for _, a := range c.Args {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// ParseCommand extracts the command from m's envelope in namespace ns.
//
// Postcondition: ok is false when m has no envelope or the envelope is empty.
func ParseCommand(m *xmpp.Message, ns string) (Command, bool) {
	x, ok := m.Extension(ns, "x")
	if !ok {
		return Command{}, false
	}
	el, ok := x.FirstChild()
	if !ok {
		return Command{}, false
	}
	cmd := Command{Name: el.XMLName.Local}
	for _, a := range el.Attrs {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		cmd.Args = append(cmd.Args, a)
	}
	return cmd, true
}
