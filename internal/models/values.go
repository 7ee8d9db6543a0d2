package models

import (
	"strconv"
	"strings"
)

// ValueKind is the dynamic type of a Value.
type ValueKind string

const (
	ValueString     ValueKind = "string"
	ValueBool       ValueKind = "bool"
	ValueNumber     ValueKind = "number"
	ValueAttachment ValueKind = "attachment"
)

// Attachment references a document or media file received from a lead.
type Attachment struct {
	Reference string `json:"reference"`
	MimeType  string `json:"mime_type,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// Value is one entry of a conversation's variable store.
type Value struct {
	Kind       ValueKind   `json:"kind"`
	String     string      `json:"string,omitempty"`
	Bool       bool        `json:"bool,omitempty"`
	Number     float64     `json:"number,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

func StringValue(s string) Value  { return Value{Kind: ValueString, String: s} }
func BoolValue(b bool) Value      { return Value{Kind: ValueBool, Bool: b} }
func NumberValue(n float64) Value { return Value{Kind: ValueNumber, Number: n} }
func AttachmentValue(a Attachment) Value {
	return Value{Kind: ValueAttachment, Attachment: &a}
}

// IsEmpty reports whether the value carries nothing. Booleans and numbers are
// never empty once set.
func (v Value) IsEmpty() bool {
	switch v.Kind {
	case ValueString:
		return strings.TrimSpace(v.String) == ""
	case ValueBool, ValueNumber:
		return false
	case ValueAttachment:
		return v.Attachment == nil || v.Attachment.Reference == ""
	default:
		return true
	}
}

// Text renders the value for interpolation and comparisons.
func (v Value) Text() string {
	switch v.Kind {
	case ValueString:
		return v.String
	case ValueBool:
		return strconv.FormatBool(v.Bool)
	case ValueNumber:
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	case ValueAttachment:
		if v.Attachment == nil {
			return ""
		}
		return v.Attachment.Reference
	default:
		return ""
	}
}

// Equal compares kind and content.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == ValueAttachment {
		if v.Attachment == nil || o.Attachment == nil {
			return v.Attachment == o.Attachment
		}
		return *v.Attachment == *o.Attachment
	}
	return v.String == o.String && v.Bool == o.Bool && v.Number == o.Number
}
