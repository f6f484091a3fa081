package kestrel

import (
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Delivery is an accepted message with its envelope and verdict, handed
// to the DeliveryHandler. It is encoded with MessagePack for queues.
type Delivery struct {
	ID         string
	ConnID     string
	RemoteIP   string
	Helo       string
	MailFrom   string
	Recipients []string

	// Verdict is the auth outcome, "accept" or "quarantine".
	Verdict string
	Reason  string

	// Quarantine is set when the message must be flagged downstream.
	Quarantine bool
	// Sealed is set when an ARC set was added.
	Sealed bool

	ReceivedAt time.Time

	// Data is the message including the added header fields.
	Data []byte
}

var (
	_ msgp.Marshaler   = (*Delivery)(nil)
	_ msgp.Unmarshaler = (*Delivery)(nil)
	_ msgp.Sizer       = (*Delivery)(nil)
)

const deliveryFields = 12

// MarshalMsg implements msgp.Marshaler
func (z *Delivery) MarshalMsg(b []byte) (o []byte, err error) {
	o = msgp.Require(b, z.Msgsize())
	o = msgp.AppendMapHeader(o, deliveryFields)
	o = msgp.AppendString(o, "ID")
	o = msgp.AppendString(o, z.ID)
	o = msgp.AppendString(o, "ConnID")
	o = msgp.AppendString(o, z.ConnID)
	o = msgp.AppendString(o, "RemoteIP")
	o = msgp.AppendString(o, z.RemoteIP)
	o = msgp.AppendString(o, "Helo")
	o = msgp.AppendString(o, z.Helo)
	o = msgp.AppendString(o, "MailFrom")
	o = msgp.AppendString(o, z.MailFrom)
	o = msgp.AppendString(o, "Recipients")
	o = msgp.AppendArrayHeader(o, uint32(len(z.Recipients)))
	for _, r := range z.Recipients {
		o = msgp.AppendString(o, r)
	}
	o = msgp.AppendString(o, "Verdict")
	o = msgp.AppendString(o, z.Verdict)
	o = msgp.AppendString(o, "Reason")
	o = msgp.AppendString(o, z.Reason)
	o = msgp.AppendString(o, "Quarantine")
	o = msgp.AppendBool(o, z.Quarantine)
	o = msgp.AppendString(o, "Sealed")
	o = msgp.AppendBool(o, z.Sealed)
	o = msgp.AppendString(o, "ReceivedAt")
	o = msgp.AppendTime(o, z.ReceivedAt)
	o = msgp.AppendString(o, "Data")
	o = msgp.AppendBytes(o, z.Data)
	return
}

// UnmarshalMsg implements msgp.Unmarshaler. Unknown fields are skipped.
func (z *Delivery) UnmarshalMsg(bts []byte) (o []byte, err error) {
	var field []byte
	var n uint32
	n, bts, err = msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		err = msgp.WrapError(err)
		return
	}
	for n > 0 {
		n--
		field, bts, err = msgp.ReadMapKeyZC(bts)
		if err != nil {
			err = msgp.WrapError(err)
			return
		}
		switch msgp.UnsafeString(field) {
		case "ID":
			z.ID, bts, err = msgp.ReadStringBytes(bts)
		case "ConnID":
			z.ConnID, bts, err = msgp.ReadStringBytes(bts)
		case "RemoteIP":
			z.RemoteIP, bts, err = msgp.ReadStringBytes(bts)
		case "Helo":
			z.Helo, bts, err = msgp.ReadStringBytes(bts)
		case "MailFrom":
			z.MailFrom, bts, err = msgp.ReadStringBytes(bts)
		case "Recipients":
			var count uint32
			count, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				err = msgp.WrapError(err, "Recipients")
				return
			}
			z.Recipients = make([]string, count)
			for i := range z.Recipients {
				z.Recipients[i], bts, err = msgp.ReadStringBytes(bts)
				if err != nil {
					err = msgp.WrapError(err, "Recipients", i)
					return
				}
			}
		case "Verdict":
			z.Verdict, bts, err = msgp.ReadStringBytes(bts)
		case "Reason":
			z.Reason, bts, err = msgp.ReadStringBytes(bts)
		case "Quarantine":
			z.Quarantine, bts, err = msgp.ReadBoolBytes(bts)
		case "Sealed":
			z.Sealed, bts, err = msgp.ReadBoolBytes(bts)
		case "ReceivedAt":
			z.ReceivedAt, bts, err = msgp.ReadTimeBytes(bts)
		case "Data":
			z.Data, bts, err = msgp.ReadBytesBytes(bts, z.Data[:0])
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			err = msgp.WrapError(err, string(field))
			return
		}
	}
	o = bts
	return
}

// Msgsize returns an upper bound estimate of the number of bytes occupied by the serialized message
func (z *Delivery) Msgsize() (s int) {
	s = msgp.MapHeaderSize
	for _, k := range []string{"ID", "ConnID", "RemoteIP", "Helo", "MailFrom", "Recipients", "Verdict", "Reason", "Quarantine", "Sealed", "ReceivedAt", "Data"} {
		s += msgp.StringPrefixSize + len(k)
	}
	s += 7*msgp.StringPrefixSize + len(z.ID) + len(z.ConnID) + len(z.RemoteIP) + len(z.Helo) + len(z.MailFrom) + len(z.Verdict) + len(z.Reason)
	s += msgp.ArrayHeaderSize
	for _, r := range z.Recipients {
		s += msgp.StringPrefixSize + len(r)
	}
	s += 2*msgp.BoolSize + msgp.TimeSize + msgp.BytesPrefixSize + len(z.Data)
	return
}
