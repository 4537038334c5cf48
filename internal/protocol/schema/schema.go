package schema

import (
	"fmt"

	"github.com/danmuck/hwbinder/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message kinds carried in the frame header.
const (
	MsgTransaction   uint32 = 1
	MsgReply         uint32 = 2
	MsgGetService    uint32 = 3
	MsgAddService    uint32 = 4
	MsgServiceReply  uint32 = 5
	MsgListServices  uint32 = 6
	MsgServiceList   uint32 = 7
	MsgReleaseHandle uint32 = 8
	MsgDeathNotice   uint32 = 9
)

// Field IDs.
const (
	FieldCode    uint16 = 1
	FieldParcel  uint16 = 2
	FieldStackID uint16 = 3

	FieldStatus  uint16 = 100
	FieldMessage uint16 = 101

	FieldInterface uint16 = 200
	FieldInstance  uint16 = 201
	FieldHandle    uint16 = 202
	FieldRefs      uint16 = 203

	FieldEntries uint16 = 300
)

func KindName(kind uint32) string {
	switch kind {
	case MsgTransaction:
		return "transaction"
	case MsgReply:
		return "reply"
	case MsgGetService:
		return "get_service"
	case MsgAddService:
		return "add_service"
	case MsgServiceReply:
		return "service_reply"
	case MsgListServices:
		return "list_services"
	case MsgServiceList:
		return "service_list"
	case MsgReleaseHandle:
		return "release_handle"
	case MsgDeathNotice:
		return "death_notice"
	default:
		return fmt.Sprintf("unknown(%d)", kind)
	}
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgTransaction: {
		{FieldCode, tlv.TypeU32},
		{FieldParcel, tlv.TypeBytes},
		{FieldStackID, tlv.TypeU64},
	},
	MsgReply: {
		{FieldStatus, tlv.TypeU32},
		{FieldParcel, tlv.TypeBytes},
	},
	MsgGetService: {
		{FieldInterface, tlv.TypeString},
		{FieldInstance, tlv.TypeString},
	},
	MsgAddService: {
		{FieldInterface, tlv.TypeString},
		{FieldInstance, tlv.TypeString},
		{FieldHandle, tlv.TypeU32},
	},
	MsgServiceReply: {
		{FieldStatus, tlv.TypeU32},
		{FieldHandle, tlv.TypeU32},
	},
	MsgListServices: {},
	MsgServiceList: {
		{FieldStatus, tlv.TypeU32},
		{FieldEntries, tlv.TypeBytes},
	},
	MsgReleaseHandle: {
		{FieldHandle, tlv.TypeU32},
	},
	MsgDeathNotice: {
		{FieldHandle, tlv.TypeU32},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Msgf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Msgf(
				"schema.Validate missing field kind=%s field_id=%d",
				KindName(messageType),
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().Msgf(
				"schema.Validate type mismatch kind=%s field_id=%d got=%d want=%d",
				KindName(messageType),
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Msgf("schema.Validate ok kind=%s", KindName(messageType))
	return nil
}
