package sink

import (
	"fmt"
	"time"
)

// TimestampType says where a record timestamp came from.
type TimestampType int

const (
	NoTimestampType TimestampType = iota
	CreateTime
	LogAppendTime
)

func (t TimestampType) String() string {
	switch t {
	case CreateTime:
		return "CreateTime"
	case LogAppendTime:
		return "LogAppendTime"
	default:
		return "NoTimestampType"
	}
}

// FieldType is the logical type of a schema field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInt     FieldType = "int"
	TypeFloat   FieldType = "float"
	TypeBool    FieldType = "bool"
	TypeBytes   FieldType = "bytes"
	TypeStruct  FieldType = "struct"
	TypeArray   FieldType = "array"
	TypeMap     FieldType = "map"
	TypeUnknown FieldType = ""
)

// Schema describes the shape of a key or value. A nil *Schema means
// schemaless data.
type Schema struct {
	Name     string
	Type     FieldType
	Optional bool
	Fields   []Field // TypeStruct only
	Elem     *Schema // TypeArray and TypeMap values
}

type Field struct {
	Name   string
	Schema *Schema
}

// Record is one unit of input handed over by the host runtime.
type Record struct {
	Topic         string
	Partition     int32
	Offset        int64
	Key           any
	KeySchema     *Schema
	Value         any
	ValueSchema   *Schema
	Timestamp     time.Time // zero when the source carries none
	TimestampType TimestampType
	Headers       map[string][]byte
}

func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string { return fmt.Sprintf("%s[%d]", tp.Topic, tp.Partition) }

// OffsetAndMetadata is the next offset to consume for a partition.
type OffsetAndMetadata struct {
	Offset   int64
	Metadata string
}
