// Package wire maps binder transport messages onto framed TLV payloads.
//
// Every encoder validates its fields against the schema before framing and
// every decoder validates before reading, so both ends reject the same
// malformed messages.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/hwbinder/internal/protocol/frame"
	"github.com/danmuck/hwbinder/internal/protocol/schema"
	"github.com/danmuck/hwbinder/internal/protocol/tlv"
)

// Status is the outcome code carried by reply messages.
type Status uint32

const (
	StatusOK Status = iota
	StatusStaleHandle
	StatusNotFound
	StatusDenied
	StatusUnavailable
	StatusTransport
	StatusShuttingDown
	StatusHandlerError
	StatusDeadObject
	StatusBadParcel
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusStaleHandle:
		return "stale_handle"
	case StatusNotFound:
		return "not_found"
	case StatusDenied:
		return "denied"
	case StatusUnavailable:
		return "unavailable"
	case StatusTransport:
		return "transport"
	case StatusShuttingDown:
		return "shutting_down"
	case StatusHandlerError:
		return "handler_error"
	case StatusDeadObject:
		return "dead_object"
	case StatusBadParcel:
		return "bad_parcel"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Transaction targets an exported handle on the peer.
type Transaction struct {
	MessageID uint64
	Target    uint32
	Code      uint32
	Flags     uint32
	// StackID ties nested calls back to the originating transaction stack.
	StackID uint64
	Parcel  []byte
}

type Reply struct {
	MessageID uint64
	Status    Status
	Message   string
	Parcel    []byte
}

type GetService struct {
	MessageID uint64
	Interface string
	Instance  string
}

// AddService publishes a handle exported by the sender.
type AddService struct {
	MessageID uint64
	Interface string
	Instance  string
	Handle    uint32
}

// ServiceReply answers GetService and AddService. Handle is exported by the
// replying side when Status is StatusOK on a lookup.
type ServiceReply struct {
	MessageID uint64
	Status    Status
	Message   string
	Handle    uint32
}

type ListServices struct {
	MessageID uint64
}

type ServiceEntry struct {
	Interface    string    `json:"interface"`
	Instance     string    `json:"instance"`
	Local        bool      `json:"local"`
	PID          int32     `json:"pid,omitempty"`
	UID          uint32    `json:"uid,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

type ServiceList struct {
	MessageID uint64
	Status    Status
	Entries   []ServiceEntry
}

// Release tells the peer a proxy for Handle is gone. Refs is the number of
// times the handle was received; the exporter drops the handle once every
// reference it sent has been released.
type Release struct {
	Handle uint32
	Refs   uint32
}

// DeathNotice tells the peer an exported handle died.
type DeathNotice struct {
	Handle uint32
}

func (g GetService) Validate() error {
	if strings.TrimSpace(g.Interface) == "" {
		return fmt.Errorf("get_service missing interface")
	}
	if strings.TrimSpace(g.Instance) == "" {
		return fmt.Errorf("get_service missing instance")
	}
	return nil
}

func (a AddService) Validate() error {
	if strings.TrimSpace(a.Interface) == "" {
		return fmt.Errorf("add_service missing interface")
	}
	if strings.TrimSpace(a.Instance) == "" {
		return fmt.Errorf("add_service missing instance")
	}
	if a.Handle == 0 {
		return fmt.Errorf("add_service missing handle")
	}
	return nil
}

func EncodeTransaction(tx Transaction) (frame.Frame, error) {
	if tx.Target == 0 {
		return frame.Frame{}, fmt.Errorf("transaction missing target")
	}
	fields := []tlv.Field{
		tlv.U32(schema.FieldCode, tx.Code),
		tlv.Bytes(schema.FieldParcel, tx.Parcel),
		tlv.U64(schema.FieldStackID, tx.StackID),
	}
	return build(schema.MsgTransaction, tx.MessageID, tx.Target, tx.Flags, fields)
}

func DecodeTransaction(f frame.Frame) (Transaction, error) {
	fields, err := fieldsFor(schema.MsgTransaction, f)
	if err != nil {
		return Transaction{}, err
	}
	code, err := tlv.GetU32(fields, schema.FieldCode)
	if err != nil {
		return Transaction{}, err
	}
	stack, err := tlv.GetU64(fields, schema.FieldStackID)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{
		MessageID: f.Header.MessageID,
		Target:    f.Header.Target,
		Code:      code,
		Flags:     f.Header.Flags,
		StackID:   stack,
		Parcel:    rawBytes(fields, schema.FieldParcel),
	}, nil
}

func EncodeReply(r Reply) (frame.Frame, error) {
	fields := []tlv.Field{
		tlv.U32(schema.FieldStatus, uint32(r.Status)),
		tlv.Bytes(schema.FieldParcel, r.Parcel),
	}
	if r.Message != "" {
		fields = append(fields, tlv.String(schema.FieldMessage, r.Message))
	}
	return build(schema.MsgReply, r.MessageID, 0, 0, fields)
}

func DecodeReply(f frame.Frame) (Reply, error) {
	fields, err := fieldsFor(schema.MsgReply, f)
	if err != nil {
		return Reply{}, err
	}
	status, err := tlv.GetU32(fields, schema.FieldStatus)
	if err != nil {
		return Reply{}, err
	}
	return Reply{
		MessageID: f.Header.MessageID,
		Status:    Status(status),
		Message:   tlv.GetString(fields, schema.FieldMessage),
		Parcel:    rawBytes(fields, schema.FieldParcel),
	}, nil
}

func EncodeGetService(g GetService) (frame.Frame, error) {
	if err := g.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldInterface, g.Interface),
		tlv.String(schema.FieldInstance, g.Instance),
	}
	return build(schema.MsgGetService, g.MessageID, 0, 0, fields)
}

func DecodeGetService(f frame.Frame) (GetService, error) {
	fields, err := fieldsFor(schema.MsgGetService, f)
	if err != nil {
		return GetService{}, err
	}
	g := GetService{
		MessageID: f.Header.MessageID,
		Interface: tlv.GetString(fields, schema.FieldInterface),
		Instance:  tlv.GetString(fields, schema.FieldInstance),
	}
	return g, g.Validate()
}

func EncodeAddService(a AddService) (frame.Frame, error) {
	if err := a.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldInterface, a.Interface),
		tlv.String(schema.FieldInstance, a.Instance),
		tlv.U32(schema.FieldHandle, a.Handle),
	}
	return build(schema.MsgAddService, a.MessageID, 0, 0, fields)
}

func DecodeAddService(f frame.Frame) (AddService, error) {
	fields, err := fieldsFor(schema.MsgAddService, f)
	if err != nil {
		return AddService{}, err
	}
	handle, err := tlv.GetU32(fields, schema.FieldHandle)
	if err != nil {
		return AddService{}, err
	}
	a := AddService{
		MessageID: f.Header.MessageID,
		Interface: tlv.GetString(fields, schema.FieldInterface),
		Instance:  tlv.GetString(fields, schema.FieldInstance),
		Handle:    handle,
	}
	return a, a.Validate()
}

func EncodeServiceReply(r ServiceReply) (frame.Frame, error) {
	fields := []tlv.Field{
		tlv.U32(schema.FieldStatus, uint32(r.Status)),
		tlv.U32(schema.FieldHandle, r.Handle),
	}
	if r.Message != "" {
		fields = append(fields, tlv.String(schema.FieldMessage, r.Message))
	}
	return build(schema.MsgServiceReply, r.MessageID, 0, 0, fields)
}

func DecodeServiceReply(f frame.Frame) (ServiceReply, error) {
	fields, err := fieldsFor(schema.MsgServiceReply, f)
	if err != nil {
		return ServiceReply{}, err
	}
	status, err := tlv.GetU32(fields, schema.FieldStatus)
	if err != nil {
		return ServiceReply{}, err
	}
	handle, err := tlv.GetU32(fields, schema.FieldHandle)
	if err != nil {
		return ServiceReply{}, err
	}
	return ServiceReply{
		MessageID: f.Header.MessageID,
		Status:    Status(status),
		Message:   tlv.GetString(fields, schema.FieldMessage),
		Handle:    handle,
	}, nil
}

func EncodeListServices(l ListServices) (frame.Frame, error) {
	return build(schema.MsgListServices, l.MessageID, 0, 0, nil)
}

func DecodeListServices(f frame.Frame) (ListServices, error) {
	if _, err := fieldsFor(schema.MsgListServices, f); err != nil {
		return ListServices{}, err
	}
	return ListServices{MessageID: f.Header.MessageID}, nil
}

func EncodeServiceList(l ServiceList) (frame.Frame, error) {
	entries := l.Entries
	if entries == nil {
		entries = []ServiceEntry{}
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.U32(schema.FieldStatus, uint32(l.Status)),
		tlv.Bytes(schema.FieldEntries, payload),
	}
	return build(schema.MsgServiceList, l.MessageID, 0, 0, fields)
}

func DecodeServiceList(f frame.Frame) (ServiceList, error) {
	fields, err := fieldsFor(schema.MsgServiceList, f)
	if err != nil {
		return ServiceList{}, err
	}
	status, err := tlv.GetU32(fields, schema.FieldStatus)
	if err != nil {
		return ServiceList{}, err
	}
	var entries []ServiceEntry
	if err := json.Unmarshal(rawBytes(fields, schema.FieldEntries), &entries); err != nil {
		return ServiceList{}, fmt.Errorf("service_list entries: %w", err)
	}
	return ServiceList{MessageID: f.Header.MessageID, Status: Status(status), Entries: entries}, nil
}

func EncodeRelease(r Release) (frame.Frame, error) {
	if r.Handle == 0 {
		return frame.Frame{}, fmt.Errorf("release missing handle")
	}
	refs := r.Refs
	if refs == 0 {
		refs = 1
	}
	fields := []tlv.Field{
		tlv.U32(schema.FieldHandle, r.Handle),
		tlv.U32(schema.FieldRefs, refs),
	}
	return build(schema.MsgReleaseHandle, 0, 0, 0, fields)
}

func DecodeRelease(f frame.Frame) (Release, error) {
	fields, err := fieldsFor(schema.MsgReleaseHandle, f)
	if err != nil {
		return Release{}, err
	}
	handle, err := tlv.GetU32(fields, schema.FieldHandle)
	if err != nil {
		return Release{}, err
	}
	refs := uint32(1)
	if _, ok := tlv.GetField(fields, schema.FieldRefs); ok {
		if refs, err = tlv.GetU32(fields, schema.FieldRefs); err != nil {
			return Release{}, err
		}
	}
	return Release{Handle: handle, Refs: refs}, nil
}

func EncodeDeathNotice(d DeathNotice) (frame.Frame, error) {
	if d.Handle == 0 {
		return frame.Frame{}, fmt.Errorf("death_notice missing handle")
	}
	return build(schema.MsgDeathNotice, 0, 0, 0, []tlv.Field{tlv.U32(schema.FieldHandle, d.Handle)})
}

func DecodeDeathNotice(f frame.Frame) (DeathNotice, error) {
	fields, err := fieldsFor(schema.MsgDeathNotice, f)
	if err != nil {
		return DeathNotice{}, err
	}
	handle, err := tlv.GetU32(fields, schema.FieldHandle)
	if err != nil {
		return DeathNotice{}, err
	}
	return DeathNotice{Handle: handle}, nil
}

func build(kind uint32, messageID uint64, target uint32, flags uint32, fields []tlv.Field) (frame.Frame, error) {
	if err := schema.Validate(kind, fields); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header: frame.Header{
			Kind:      kind,
			Flags:     flags,
			MessageID: messageID,
			Target:    target,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func fieldsFor(kind uint32, f frame.Frame) ([]tlv.Field, error) {
	if f.Header.Kind != kind {
		return nil, fmt.Errorf("wire: expected %s frame, got %s", schema.KindName(kind), schema.KindName(f.Header.Kind))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(kind, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// rawBytes returns the field value aliasing the frame payload.
func rawBytes(fields []tlv.Field, id uint16) []byte {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return nil
	}
	return f.Value
}
