package xmpp

import (
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/form"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"
)

// ArbiterNick is the nickname the gateway occupies every room under.
const ArbiterNick = "arbiter"

// roomConfig is the owner configuration applied to every new game room:
// temporary, hidden, members only, subject locked to the owner.
var roomConfig = []struct {
	field string
	value bool
}{
	{"muc#roomconfig_persistentroom", false},
	{"muc#roomconfig_publicroom", false},
	{"muc#roomconfig_membersonly", true},
	{"muc#roomconfig_changesubject", false},
}

// UniqueRoomRequest builds the muc#unique request asking service for an
// unused room name.
func UniqueRoomRequest(id string, from, service jid.JID) *IQ {
	return &IQ{
		IQ:      stanza.IQ{ID: id, Type: stanza.GetIQ, From: from, To: service},
		Payload: []Element{NewElement(NSMUCUnique, "unique")},
	}
}

// UniqueRoomName extracts the room name from a muc#unique result.
//
// Postcondition: Returns ("", false) when the response carries no non-empty name.
func UniqueRoomName(iq *IQ) (string, bool) {
	if iq.Type != stanza.ResultIQ {
		return "", false
	}
	u, ok := iq.Child(NSMUCUnique, "unique")
	if !ok || u.Text == "" {
		return "", false
	}
	return u.Text, true
}

// JoinPresence builds the presence that enters occupant into its room.
func JoinPresence(from, occupant jid.JID) *Presence {
	return &Presence{
		Presence:   stanza.Presence{From: from, To: occupant},
		Extensions: []Element{NewElement(muc.NS, "x")},
	}
}

// LeavePresence builds the presence that removes occupant from its room.
func LeavePresence(from, occupant jid.JID) *Presence {
	return &Presence{
		Presence: stanza.Presence{Type: stanza.UnavailablePresence, From: from, To: occupant},
	}
}

// RoomConfigForm returns the owner configuration form every game room is
// submitted with.
func RoomConfigForm() (*form.Data, error) {
	fields := []form.Field{form.Hidden("FORM_TYPE", form.Value(NSRoomConfig))}
	for _, f := range roomConfig {
		fields = append(fields, form.Boolean(f.field))
	}
	data := form.New(fields...)
	for _, f := range roomConfig {
		if _, err := data.Set(f.field, f.value); err != nil {
			return nil, fmt.Errorf("setting %s: %w", f.field, err)
		}
	}
	return data, nil
}

// ConfigureRoomRequest builds the owner configuration form submission for room.
func ConfigureRoomRequest(id string, from, room jid.JID) (*IQ, error) {
	data, err := RoomConfigForm()
	if err != nil {
		return nil, err
	}
	submit, _ := data.Submit()
	query, err := DecodeElement(xmlstream.Wrap(submit,
		xml.StartElement{Name: xml.Name{Space: muc.NSOwner, Local: "query"}}))
	if err != nil {
		return nil, fmt.Errorf("encoding room configuration: %w", err)
	}
	return &IQ{
		IQ:      stanza.IQ{ID: id, Type: stanza.SetIQ, From: from, To: room},
		Payload: []Element{query},
	}, nil
}

// SubjectMessage builds the groupchat message that sets a room's subject.
func SubjectMessage(from, room jid.JID, subject string) *Message {
	return &Message{
		Message: stanza.Message{Type: stanza.GroupChatMessage, From: from, To: room},
		Subject: subject,
	}
}

// Invitation builds a mediated invitation sent through room to invitee.
func Invitation(from, room, invitee jid.JID, reason string) (*Message, error) {
	x, err := DecodeElement(muc.Invitation{JID: invitee, Reason: reason}.MarshalMediated())
	if err != nil {
		return nil, fmt.Errorf("encoding invitation: %w", err)
	}
	return &Message{
		Message:    stanza.Message{Type: stanza.NormalMessage, From: from, To: room},
		Extensions: []Element{x},
	}, nil
}
