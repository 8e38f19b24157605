package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindText
	KindList
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindText:
		return "text"
	case KindList:
		return "list"
	}
	return fmt.Sprintf("ValueKind(%d)", uint8(k))
}

// Value is a single answer: a yes/no boolean, an option id or free text, a list of
// option ids (multi-select), or null. The zero Value is null.
type Value struct {
	kind ValueKind
	b    bool
	s    string
	list []string
}

// Null is the unanswered value.
var Null = Value{}

// Bool returns a boolean answer.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Text returns an option id or free-text answer.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// List returns a multi-select answer. The ids are copied.
func List(ids ...string) Value {
	return Value{kind: KindList, list: slices.Clone(ids)}
}

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v is unanswered.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean and true if v holds a boolean.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsText returns the string and true if v holds text.
func (v Value) AsText() (string, bool) { return v.s, v.kind == KindText }

// AsList returns a copy of the ids and true if v holds a list.
func (v Value) AsList() ([]string, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return slices.Clone(v.list), true
}

// Empty reports whether v carries no usable answer: null, blank text or an empty list.
func (v Value) Empty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindText:
		return strings.TrimSpace(v.s) == ""
	case KindList:
		return len(v.list) == 0
	}
	return false
}

// Equal compares kind and content. List order matters.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindText:
		return v.s == o.s
	case KindList:
		return slices.Equal(v.list, o.list)
	}
	return true
}

// Intersects reports whether both values are lists sharing at least one id.
func (v Value) Intersects(o Value) bool {
	if v.kind != KindList || o.kind != KindList {
		return false
	}
	for _, id := range v.list {
		if slices.Contains(o.list, id) {
			return true
		}
	}
	return false
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindText:
		return fmt.Sprintf("%q", v.s)
	case KindList:
		return fmt.Sprintf("%q", v.list)
	}
	return "null"
}

// MarshalJSON encodes v as JSON true/false, a string, an array of strings, or null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return json.Marshal(v.b)
	case KindText:
		return json.Marshal(v.s)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	}
	return []byte("null"), nil
}

// UnmarshalJSON accepts booleans, strings, numbers (kept as text), arrays of strings and null.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Null
		return nil
	}
	switch data[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("decode bool answer: %w", err)
		}
		*v = Bool(b)
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode text answer: %w", err)
		}
		*v = Text(s)
	case '[':
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return fmt.Errorf("decode list answer: %w", err)
		}
		if ids == nil {
			ids = []string{}
		}
		*v = Value{kind: KindList, list: ids}
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("unsupported answer %s", data)
		}
		*v = Text(n.String())
	}
	return nil
}

// AnswerMap maps question id to its current answer.
type AnswerMap map[string]Value

// Get returns the answer for id, or Null.
func (m AnswerMap) Get(id string) Value {
	if m == nil {
		return Null
	}
	return m[id]
}

// Clone returns an independent copy.
func (m AnswerMap) Clone() AnswerMap {
	out := make(AnswerMap, len(m))
	for k, v := range m {
		if v.kind == KindList {
			v.list = slices.Clone(v.list)
		}
		out[k] = v
	}
	return out
}

// Attachment describes file evidence for a question. LocalPath is set while the file
// has not been uploaded yet; RemoteURL once it has.
type Attachment struct {
	Name      string `json:"name"`
	Size      int64  `json:"size,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	LocalPath string `json:"local_path,omitempty"`
}

// Present reports whether the attachment refers to an actual file.
func (a Attachment) Present() bool {
	return a.RemoteURL != "" || a.LocalPath != ""
}

// Pending reports whether the file still has to be uploaded.
func (a Attachment) Pending() bool {
	return a.LocalPath != ""
}

// AttachmentMap maps question id to its attachment.
type AttachmentMap map[string]Attachment

// Clone returns an independent copy.
func (m AttachmentMap) Clone() AttachmentMap {
	out := make(AttachmentMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
