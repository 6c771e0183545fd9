package wire

import "errors"

// ErrDecode is returned for any structural decode failure: truncation or an
// unsupported wire type. A field that is absent, or present with a wire
// type other than the one its accessor reads, decodes as its zero value;
// the decoders do not check required fields. Callers treat ErrDecode
// uniformly as a 400-class error.
var ErrDecode = errors.New("wire: decode failed")

// Prekey is a classical one-time Curve25519 prekey.
type Prekey struct {
	ID  int64
	Key []byte // 32 bytes
}

func (p Prekey) marshalInto(w *writer) {
	w.putInt64Field(1, p.ID)
	w.putBytesField(2, p.Key)
}

func (p Prekey) Marshal() []byte {
	w := newWriter()
	p.marshalInto(w)
	return w.bytes()
}

func decodePrekey(buf []byte) (Prekey, error) {
	d, err := newDecoder(buf)
	if err != nil {
		return Prekey{}, err
	}
	var p Prekey
	p.ID, _ = d.lastInt64(1)
	p.Key, _ = d.lastBytes(2)
	return p, nil
}

// SignedPrekey is a prekey accompanied by an XEdDSA signature under the
// owning identity's ik.
type SignedPrekey struct {
	ID  int64
	Key []byte
	Sig []byte // 64 bytes
}

func (p SignedPrekey) marshalInto(w *writer) {
	w.putInt64Field(1, p.ID)
	w.putBytesField(2, p.Key)
	w.putBytesField(3, p.Sig)
}

func (p SignedPrekey) Marshal() []byte {
	w := newWriter()
	p.marshalInto(w)
	return w.bytes()
}

func decodeSignedPrekey(buf []byte) (SignedPrekey, error) {
	d, err := newDecoder(buf)
	if err != nil {
		return SignedPrekey{}, err
	}
	var p SignedPrekey
	p.ID, _ = d.lastInt64(1)
	p.Key, _ = d.lastBytes(2)
	p.Sig, _ = d.lastBytes(3)
	return p, nil
}

// Identity is the full registration record, §6.1.
type Identity struct {
	Handle              string
	IDKey               []byte
	Prekey              SignedPrekey
	PQKEMPrekey         SignedPrekey
	OneTimePrekeys      []Prekey
	OneTimePQKEMPrekeys []SignedPrekey
}

func (m Identity) Marshal() []byte {
	w := newWriter()
	w.putStringField(1, m.Handle)
	w.putBytesField(2, m.IDKey)
	pkw := newWriter()
	m.Prekey.marshalInto(pkw)
	w.putMessageField(3, pkw.bytes())
	pqw := newWriter()
	m.PQKEMPrekey.marshalInto(pqw)
	w.putMessageField(4, pqw.bytes())
	for _, otp := range m.OneTimePrekeys {
		ow := newWriter()
		otp.marshalInto(ow)
		w.putMessageField(5, ow.bytes())
	}
	for _, otp := range m.OneTimePQKEMPrekeys {
		ow := newWriter()
		otp.marshalInto(ow)
		w.putMessageField(6, ow.bytes())
	}
	return w.bytes()
}

func DecodeIdentity(buf []byte) (Identity, error) {
	d, err := newDecoder(buf)
	if err != nil {
		return Identity{}, ErrDecode
	}
	var m Identity
	m.Handle, _ = d.lastString(1)
	m.IDKey, _ = d.lastBytes(2)

	if b, ok := d.lastBytes(3); ok {
		pk, err := decodeSignedPrekey(b)
		if err != nil {
			return Identity{}, ErrDecode
		}
		m.Prekey = pk
	}
	if b, ok := d.lastBytes(4); ok {
		pk, err := decodeSignedPrekey(b)
		if err != nil {
			return Identity{}, ErrDecode
		}
		m.PQKEMPrekey = pk
	}
	for _, b := range d.repeatedBytes(5) {
		p, err := decodePrekey(b)
		if err != nil {
			return Identity{}, ErrDecode
		}
		m.OneTimePrekeys = append(m.OneTimePrekeys, p)
	}
	for _, b := range d.repeatedBytes(6) {
		p, err := decodeSignedPrekey(b)
		if err != nil {
			return Identity{}, ErrDecode
		}
		m.OneTimePQKEMPrekeys = append(m.OneTimePQKEMPrekeys, p)
	}
	return m, nil
}

// IdentityPatch is the PATCH body, §6.1. Prekey/PQKEMPrekey fields are
// optional; HasPrekey/HasPQKEMPrekey distinguish "absent" from "present
// with zero value".
type IdentityPatch struct {
	HasPrekey           bool
	Prekey              SignedPrekey
	HasPQKEMPrekey      bool
	PQKEMPrekey         SignedPrekey
	OneTimePrekeys      []Prekey
	OneTimePQKEMPrekeys []SignedPrekey
}

func (m IdentityPatch) Marshal() []byte {
	w := newWriter()
	if m.HasPrekey {
		pkw := newWriter()
		m.Prekey.marshalInto(pkw)
		w.putMessageField(1, pkw.bytes())
	}
	if m.HasPQKEMPrekey {
		pqw := newWriter()
		m.PQKEMPrekey.marshalInto(pqw)
		w.putMessageField(2, pqw.bytes())
	}
	for _, otp := range m.OneTimePrekeys {
		ow := newWriter()
		otp.marshalInto(ow)
		w.putMessageField(3, ow.bytes())
	}
	for _, otp := range m.OneTimePQKEMPrekeys {
		ow := newWriter()
		otp.marshalInto(ow)
		w.putMessageField(4, ow.bytes())
	}
	return w.bytes()
}

func DecodeIdentityPatch(buf []byte) (IdentityPatch, error) {
	d, err := newDecoder(buf)
	if err != nil {
		return IdentityPatch{}, ErrDecode
	}
	var m IdentityPatch
	if b, ok := d.lastBytes(1); ok {
		pk, err := decodeSignedPrekey(b)
		if err != nil {
			return IdentityPatch{}, ErrDecode
		}
		m.HasPrekey = true
		m.Prekey = pk
	}
	if b, ok := d.lastBytes(2); ok {
		pk, err := decodeSignedPrekey(b)
		if err != nil {
			return IdentityPatch{}, ErrDecode
		}
		m.HasPQKEMPrekey = true
		m.PQKEMPrekey = pk
	}
	for _, b := range d.repeatedBytes(3) {
		p, err := decodePrekey(b)
		if err != nil {
			return IdentityPatch{}, ErrDecode
		}
		m.OneTimePrekeys = append(m.OneTimePrekeys, p)
	}
	for _, b := range d.repeatedBytes(4) {
		p, err := decodeSignedPrekey(b)
		if err != nil {
			return IdentityPatch{}, ErrDecode
		}
		m.OneTimePQKEMPrekeys = append(m.OneTimePQKEMPrekeys, p)
	}
	return m, nil
}

// PublicIdentity is the GET /api/identity response body: just enough for a
// peer to start trusting a handle's root key.
type PublicIdentity struct {
	Handle string
	IDKey  []byte
}

func (m PublicIdentity) Marshal() []byte {
	w := newWriter()
	w.putStringField(1, m.Handle)
	w.putBytesField(2, m.IDKey)
	return w.bytes()
}

func DecodePublicIdentity(buf []byte) (PublicIdentity, error) {
	d, err := newDecoder(buf)
	if err != nil {
		return PublicIdentity{}, ErrDecode
	}
	var m PublicIdentity
	m.Handle, _ = d.lastString(1)
	m.IDKey, _ = d.lastBytes(2)
	return m, nil
}

// PQXDHKeyBundle is the response of GET /api/keys/{handle}/bundle, §4.6.
type PQXDHKeyBundle struct {
	IDKey           []byte
	HasPrekey       bool
	Prekey          SignedPrekey
	HasPQKEMPrekey  bool
	PQKEMPrekey     SignedPrekey
	HasOneTimePrekey bool
	OneTimePrekey   Prekey
}

func (m PQXDHKeyBundle) Marshal() []byte {
	w := newWriter()
	w.putBytesField(1, m.IDKey)
	if m.HasPrekey {
		pkw := newWriter()
		m.Prekey.marshalInto(pkw)
		w.putMessageField(2, pkw.bytes())
	}
	if m.HasPQKEMPrekey {
		pqw := newWriter()
		m.PQKEMPrekey.marshalInto(pqw)
		w.putMessageField(3, pqw.bytes())
	}
	if m.HasOneTimePrekey {
		ow := newWriter()
		m.OneTimePrekey.marshalInto(ow)
		w.putMessageField(4, ow.bytes())
	}
	return w.bytes()
}

func DecodePQXDHKeyBundle(buf []byte) (PQXDHKeyBundle, error) {
	d, err := newDecoder(buf)
	if err != nil {
		return PQXDHKeyBundle{}, ErrDecode
	}
	var m PQXDHKeyBundle
	m.IDKey, _ = d.lastBytes(1)
	if b, ok := d.lastBytes(2); ok {
		pk, err := decodeSignedPrekey(b)
		if err != nil {
			return PQXDHKeyBundle{}, ErrDecode
		}
		m.HasPrekey = true
		m.Prekey = pk
	}
	if b, ok := d.lastBytes(3); ok {
		pk, err := decodeSignedPrekey(b)
		if err != nil {
			return PQXDHKeyBundle{}, ErrDecode
		}
		m.HasPQKEMPrekey = true
		m.PQKEMPrekey = pk
	}
	if b, ok := d.lastBytes(4); ok {
		p, err := decodePrekey(b)
		if err != nil {
			return PQXDHKeyBundle{}, ErrDecode
		}
		m.HasOneTimePrekey = true
		m.OneTimePrekey = p
	}
	return m, nil
}

// --- WebSocket envelopes, §6.1 ---

// AckError enumerates the clientbound Ack error variants.
type AckError int

const (
	AckNone AckError = iota
	AckInvalidSignature
	AckInvalidMessage
	AckUnauthenticated
	AckUnknownIdentity
	AckServerError
)

func (e AckError) String() string {
	switch e {
	case AckInvalidSignature:
		return "INVALID_SIGNATURE"
	case AckInvalidMessage:
		return "INVALID_MESSAGE"
	case AckUnauthenticated:
		return "UNAUTHENTICATED"
	case AckUnknownIdentity:
		return "UNKNOWN_IDENTITY"
	case AckServerError:
		return "SERVER_ERROR"
	default:
		return ""
	}
}

type Challenge struct {
	Nonce []byte // 32 bytes
}

type ChallengeResponse struct {
	Handle    string
	Signature []byte // 64 bytes
}

type Ack struct {
	MessageID int64
	HasError  bool
	Error     AckError
}

// ForwardPayloadKind distinguishes the two allowed Forward payload variants.
type ForwardPayloadKind int

const (
	ForwardPayloadNone ForwardPayloadKind = iota
	ForwardPayloadPQXDHInit
	ForwardPayloadMessage
)

type Forward struct {
	Handle      string
	PayloadKind ForwardPayloadKind
	Payload     []byte
}

// ServerboundKind tags the oneof of ServerboundMessage.
type ServerboundKind int

const (
	ServerboundUnknown ServerboundKind = iota
	ServerboundChallengeResponse
	ServerboundForward
)

// ServerboundMessage is a frame sent by the client, §6.1.
type ServerboundMessage struct {
	ID   int64
	Kind ServerboundKind

	ChallengeResponse ChallengeResponse
	Forward           Forward
}

const (
	sbFieldID                = 1
	sbFieldChallengeResponse = 2
	sbFieldForward           = 3

	crFieldHandle    = 1
	crFieldSignature = 2

	fwFieldHandle      = 1
	fwFieldPQXDHInit   = 2
	fwFieldMessage     = 3
)

// EncodeServerboundMessage encodes a client's outgoing frame. The server
// never calls this; it is the client-side half of the codec (§4.3 is
// symmetric even though only one direction runs in this process).
func EncodeServerboundMessage(m ServerboundMessage) []byte {
	w := newWriter()
	w.putInt64Field(sbFieldID, m.ID)
	switch m.Kind {
	case ServerboundChallengeResponse:
		cw := newWriter()
		cw.putStringField(crFieldHandle, m.ChallengeResponse.Handle)
		cw.putBytesField(crFieldSignature, m.ChallengeResponse.Signature)
		w.putMessageField(sbFieldChallengeResponse, cw.bytes())
	case ServerboundForward:
		fw := newWriter()
		fw.putStringField(fwFieldHandle, m.Forward.Handle)
		switch m.Forward.PayloadKind {
		case ForwardPayloadPQXDHInit:
			fw.putBytesField(fwFieldPQXDHInit, m.Forward.Payload)
		case ForwardPayloadMessage:
			fw.putBytesField(fwFieldMessage, m.Forward.Payload)
		}
		w.putMessageField(sbFieldForward, fw.bytes())
	}
	return w.bytes()
}

func DecodeServerboundMessage(buf []byte) (ServerboundMessage, error) {
	d, err := newDecoder(buf)
	if err != nil {
		return ServerboundMessage{}, ErrDecode
	}
	var m ServerboundMessage
	m.ID, _ = d.lastInt64(sbFieldID)

	if b, ok := d.lastBytes(sbFieldChallengeResponse); ok {
		cd, err := newDecoder(b)
		if err != nil {
			return ServerboundMessage{}, ErrDecode
		}
		var cr ChallengeResponse
		cr.Handle, _ = cd.lastString(crFieldHandle)
		cr.Signature, _ = cd.lastBytes(crFieldSignature)
		m.Kind = ServerboundChallengeResponse
		m.ChallengeResponse = cr
		return m, nil
	}

	if b, ok := d.lastBytes(sbFieldForward); ok {
		fd, err := newDecoder(b)
		if err != nil {
			return ServerboundMessage{}, ErrDecode
		}
		var fw Forward
		fw.Handle, _ = fd.lastString(fwFieldHandle)
		if p, ok := fd.lastBytes(fwFieldPQXDHInit); ok {
			fw.PayloadKind = ForwardPayloadPQXDHInit
			fw.Payload = p
		} else if p, ok := fd.lastBytes(fwFieldMessage); ok {
			fw.PayloadKind = ForwardPayloadMessage
			fw.Payload = p
		}
		m.Kind = ServerboundForward
		m.Forward = fw
		return m, nil
	}

	m.Kind = ServerboundUnknown
	return m, nil
}

// ClientboundKind tags the oneof of ClientboundMessage.
type ClientboundKind int

const (
	ClientboundChallenge ClientboundKind = iota + 1
	ClientboundAck
	ClientboundForward
)

// ClientboundMessage is a frame sent by the server, §6.1.
type ClientboundMessage struct {
	Kind ClientboundKind

	Challenge Challenge
	Ack       Ack
	Forward   Forward
}

const (
	cbFieldChallenge = 1
	cbFieldAck       = 2
	cbFieldForward   = 3

	chFieldNonce = 1

	ackFieldMessageID = 1
	ackFieldError     = 2
)

func EncodeClientboundMessage(m ClientboundMessage) []byte {
	w := newWriter()
	switch m.Kind {
	case ClientboundChallenge:
		cw := newWriter()
		cw.putBytesField(chFieldNonce, m.Challenge.Nonce)
		w.putMessageField(cbFieldChallenge, cw.bytes())
	case ClientboundAck:
		aw := newWriter()
		aw.putInt64Field(ackFieldMessageID, m.Ack.MessageID)
		if m.Ack.HasError {
			aw.putStringField(ackFieldError, m.Ack.Error.String())
		}
		w.putMessageField(cbFieldAck, aw.bytes())
	case ClientboundForward:
		fw := newWriter()
		fw.putStringField(fwFieldHandle, m.Forward.Handle)
		switch m.Forward.PayloadKind {
		case ForwardPayloadPQXDHInit:
			fw.putBytesField(fwFieldPQXDHInit, m.Forward.Payload)
		case ForwardPayloadMessage:
			fw.putBytesField(fwFieldMessage, m.Forward.Payload)
		}
		w.putMessageField(cbFieldForward, fw.bytes())
	}
	return w.bytes()
}

func parseAckError(s string) AckError {
	switch s {
	case "INVALID_SIGNATURE":
		return AckInvalidSignature
	case "INVALID_MESSAGE":
		return AckInvalidMessage
	case "UNAUTHENTICATED":
		return AckUnauthenticated
	case "UNKNOWN_IDENTITY":
		return AckUnknownIdentity
	case "SERVER_ERROR":
		return AckServerError
	default:
		return AckNone
	}
}

// DecodeClientboundMessage decodes a frame sent by the server. Only a real
// client needs this; it is the receiving half of the codec's symmetric pair
// with EncodeClientboundMessage.
func DecodeClientboundMessage(buf []byte) (ClientboundMessage, error) {
	d, err := newDecoder(buf)
	if err != nil {
		return ClientboundMessage{}, ErrDecode
	}
	var m ClientboundMessage

	if b, ok := d.lastBytes(cbFieldChallenge); ok {
		cd, err := newDecoder(b)
		if err != nil {
			return ClientboundMessage{}, ErrDecode
		}
		nonce, _ := cd.lastBytes(chFieldNonce)
		m.Kind = ClientboundChallenge
		m.Challenge = Challenge{Nonce: nonce}
		return m, nil
	}

	if b, ok := d.lastBytes(cbFieldAck); ok {
		ad, err := newDecoder(b)
		if err != nil {
			return ClientboundMessage{}, ErrDecode
		}
		var a Ack
		a.MessageID, _ = ad.lastInt64(ackFieldMessageID)
		if s, ok := ad.lastString(ackFieldError); ok {
			a.HasError = true
			a.Error = parseAckError(s)
		}
		m.Kind = ClientboundAck
		m.Ack = a
		return m, nil
	}

	if b, ok := d.lastBytes(cbFieldForward); ok {
		fd, err := newDecoder(b)
		if err != nil {
			return ClientboundMessage{}, ErrDecode
		}
		var fw Forward
		fw.Handle, _ = fd.lastString(fwFieldHandle)
		if p, ok := fd.lastBytes(fwFieldPQXDHInit); ok {
			fw.PayloadKind = ForwardPayloadPQXDHInit
			fw.Payload = p
		} else if p, ok := fd.lastBytes(fwFieldMessage); ok {
			fw.PayloadKind = ForwardPayloadMessage
			fw.Payload = p
		}
		m.Kind = ClientboundForward
		m.Forward = fw
		return m, nil
	}

	return m, nil
}

// NewChallengeMessage builds the initial clientbound Challenge envelope.
func NewChallengeMessage(nonce []byte) ClientboundMessage {
	return ClientboundMessage{Kind: ClientboundChallenge, Challenge: Challenge{Nonce: nonce}}
}

// NewAckMessage builds a clientbound Ack envelope, optionally carrying an
// error variant.
func NewAckMessage(messageID int64, ackErr AckError) ClientboundMessage {
	a := Ack{MessageID: messageID}
	if ackErr != AckNone {
		a.HasError = true
		a.Error = ackErr
	}
	return ClientboundMessage{Kind: ClientboundAck, Ack: a}
}

// NewForwardMessage builds a clientbound Forward envelope, rewriting the
// handle field to the sender's handle per §4.7/§9.
func NewForwardMessage(senderHandle string, kind ForwardPayloadKind, payload []byte) ClientboundMessage {
	return ClientboundMessage{
		Kind: ClientboundForward,
		Forward: Forward{
			Handle:      senderHandle,
			PayloadKind: kind,
			Payload:     payload,
		},
	}
}
