package stream

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/maxpert/cdc-relay/encoding"
	"github.com/vmihailenco/msgpack/v5"
)

// ChangeRecord is one row snapshotted from the stream. Columns and Values are
// parallel; serialization keeps column order.
type ChangeRecord struct {
	Columns []string
	Values  []interface{}
}

// Get returns the value of column name.
func (r ChangeRecord) Get(name string) (interface{}, bool) {
	for i, c := range r.Columns {
		if c == name {
			return r.Values[i], true
		}
	}
	return nil, false
}

// MarshalJSON writes the record as a JSON object in column order.
func (r ChangeRecord) MarshalJSON() ([]byte, error) {
	if len(r.Columns) != len(r.Values) {
		return nil, fmt.Errorf("record has %d columns but %d values", len(r.Columns), len(r.Values))
	}

	s := encoding.JSON.BorrowStream(nil)
	defer encoding.JSON.ReturnStream(s)

	s.WriteObjectStart()
	for i, c := range r.Columns {
		if i > 0 {
			s.WriteMore()
		}
		s.WriteObjectField(c)
		s.WriteVal(r.Values[i])
	}
	s.WriteObjectEnd()

	if s.Error != nil {
		return nil, s.Error
	}

	out := make([]byte, len(s.Buffer()))
	copy(out, s.Buffer())
	return out, nil
}

// UnmarshalJSON reads a JSON object, keeping field order.
func (r *ChangeRecord) UnmarshalJSON(data []byte) error {
	it := encoding.JSON.BorrowIterator(data)
	defer encoding.JSON.ReturnIterator(it)

	r.Columns = r.Columns[:0]
	r.Values = r.Values[:0]
	it.ReadObjectCB(func(it *jsoniter.Iterator, field string) bool {
		r.Columns = append(r.Columns, field)
		r.Values = append(r.Values, it.Read())
		return true
	})
	return it.Error
}

// EncodeMsgpack writes the record as a msgpack map in column order.
func (r ChangeRecord) EncodeMsgpack(enc *msgpack.Encoder) error {
	if len(r.Columns) != len(r.Values) {
		return fmt.Errorf("record has %d columns but %d values", len(r.Columns), len(r.Values))
	}
	if err := enc.EncodeMapLen(len(r.Columns)); err != nil {
		return err
	}
	for i, c := range r.Columns {
		if err := enc.EncodeString(c); err != nil {
			return err
		}
		if err := enc.Encode(r.Values[i]); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsgpack reads a msgpack map, keeping entry order.
func (r *ChangeRecord) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}

	r.Columns = make([]string, 0, max(n, 0))
	r.Values = make([]interface{}, 0, max(n, 0))
	for i := 0; i < n; i++ {
		c, err := dec.DecodeString()
		if err != nil {
			return err
		}
		v, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return err
		}
		r.Columns = append(r.Columns, c)
		r.Values = append(r.Values, v)
	}
	return nil
}

// ChangeBatch is everything drained from one stream in one source transaction.
// It is also the payload envelope published to the broker.
type ChangeBatch struct {
	ID         string         `json:"batch_id" msgpack:"batch_id"`
	Stream     string         `json:"stream" msgpack:"stream"`
	CapturedAt time.Time      `json:"captured_at" msgpack:"captured_at"`
	Columns    []string       `json:"columns" msgpack:"columns"`
	Changes    []ChangeRecord `json:"changes" msgpack:"changes"`
}

// Len returns the number of records in the batch.
func (b *ChangeBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Changes)
}

// IsEmpty reports whether the batch carries no records.
func (b *ChangeBatch) IsEmpty() bool {
	return b.Len() == 0
}
